// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package config 提供网关的配置加载。
//
// 加载顺序为默认值、YAML 文件、LLMGATEWAY_ 前缀的环境变量。
// 嵌套字段的环境变量名由各级 env tag 以下划线拼接，
// 例如 LLMGATEWAY_LLM_MISTRAL_API_KEY、LLMGATEWAY_PROXY_CHAT_VIA_PROXY。
package config
