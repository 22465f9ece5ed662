// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package handlers 提供网关 HTTP API 的请求处理器实现。

# 核心类型

  - ChatHandler：/v1/chat/completions，原生路径（编排层 + SSE 转码）或转发路径
  - ProxyHandler：/v1/proxy/chat/completions 与 /v1/responses，请求体原样转发
  - EmbeddingsHandler：/v1/embeddings，支持 dict / points / tuple 输出格式
  - ModelsHandler：/v1/models 与 /v1/models/{id}
  - HealthHandler：/health、/healthz、/ready、/version
  - ResponseWriter：包装 http.ResponseWriter 以捕获状态码，透传 Flush

# 错误格式

网关自身的错误统一为 {"error":{"code","message","retryable"}}，
状态码取 types.Error.HTTPStatus，未设置时按错误码映射。
转发路径保持上游原始响应体。

# 账本

除幂等重放与参数校验失败外，每个请求在分发前写入一条账本记录，
分发结束后恰好更新一次终态字段；job_id 通过 X-Job-Id 响应头返回。
*/
package handlers
