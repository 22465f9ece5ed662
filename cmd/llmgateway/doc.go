// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package main 提供 llmgateway 服务端程序入口。

# 概述

cmd/llmgateway 启动 OpenAI 兼容的 LLM 网关：按配置注册 Provider，
打开请求账本（MongoDB / SQL / 内存），可选连接 Redis，
然后在 HTTP 端口暴露 /v1 API，在独立端口暴露 Prometheus /metrics。

# 核心类型

  - Server：按依赖顺序构建组件，逆序关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、version、health
  - SQL 账本启动前按 database.auto_migrate 执行 Schema 迁移
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）、Auth
  - Auth 接受 X-API-Key、Bearer API Key 或 Bearer JWT（HS256 / RS256）
  - 优雅关闭：SIGINT/SIGTERM → 关闭 HTTP → 关闭 Metrics → 关闭后端连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
