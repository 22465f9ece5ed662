// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package types 提供 llmgateway 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、proxy、ledger、
api 等上层模块提供统一的错误与上下文契约。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - AsError / IsErrorCode / WrapError：基于 errors.As 的错误工具链

# Context 传播

  - WithTraceID / WithRequestID：链路与请求标识
  - WithUserID / WithAuthType：已认证主体（API Key 或 JWT）
*/
package types
