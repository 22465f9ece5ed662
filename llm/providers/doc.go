// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 是各服务商适配器（openaicompat、openai、mistral、anthropic、
gemini、offline）的公共基础层，负责请求/响应转换与错误映射。

# 核心类型

  - BaseProviderConfig：所有 Provider 共享的基础配置（APIKey、BaseURL、Model、Timeout）
  - OpenAICompat* 系列：OpenAI 兼容 API 的请求/响应/工具调用结构体

# 核心函数

  - MapHTTPError：将上游 HTTP 状态码映射为 *types.Error（含 Retryable 标记）
  - ReadErrorMessage：解析 {"error":{"message"}} 错误体，失败回退原文
  - BuildOpenAIRequest / ToChatCompletion：规范结构与 OpenAI 线协议互转
  - DoJSON：统一的 JSON 往返与错误映射
  - OpenStream / PumpSSE：打开上游 SSE 连接，按 data 行交给各 Provider 的解码函数
  - ListModelsOpenAICompat / GetModelOpenAICompat：通用模型元数据获取
*/
package providers
