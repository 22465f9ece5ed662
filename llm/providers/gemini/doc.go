// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 gemini 提供 Google Gemini 模型的 Provider 适配实现，注册名为 "google"。
该包直接对接 Gemini REST API（generativelanguage.googleapis.com），
不依赖 openaicompat 兼容层。

# 核心结构体

  - GeminiProvider：持有 http.Client 与 GeminiConfig，使用 x-goog-api-key 认证
  - geminiRequest / geminiResponse：Gemini 原生请求/响应结构

# 支持能力

  - Chat Completions（/v1beta/models/{model}:generateContent）
  - 流式输出（:streamGenerateContent?alt=sse）
  - Embedding（:batchEmbedContents，默认 text-embedding-004）
  - ListModels / GetModel（去掉 "models/" 前缀）
*/
package gemini
