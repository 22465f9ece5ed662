// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 openai 提供 OpenAI 模型的 Provider 适配实现，在 openaicompat 基础上
只定制名称、默认地址与请求头。

# 核心结构体

  - OpenAIProvider：嵌入 openaicompat.Provider

# 支持能力

  - Chat Completions（/v1/chat/completions）与 SSE 流式输出
  - 模型列表与单模型查询（/v1/models）
  - Embedding（默认 text-embedding-3-small）
  - OpenAI-Organization header
*/
package openai
