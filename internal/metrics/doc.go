// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 metrics 提供基于 Prometheus 的网关指标采集。

Collector 通过 promauto.With 注册到调用方给定的 Registerer，按
namespace 隔离。覆盖 HTTP 请求、上游 LLM 调用与 token 用量、
请求账本写入、模型缓存命中率以及数据库连接池状态。

Collector 实现 llm.MetricsRecorder，可直接传给 ChatOrchestrator
与 proxy.Pipeline。
*/
package metrics
