// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 mistral 提供 Mistral AI 模型的 Provider 适配实现。Mistral 使用
OpenAI 兼容的 API 格式，本包嵌入 openaicompat.Provider 复用
HTTP 处理、SSE 解析与 Embedding 调用。

# 定制行为

  - 默认 BaseURL: https://api.mistral.ai
  - 默认兜底模型: mistral-small-latest
  - 默认 Embedding 模型: mistral-embed
*/
package mistral
