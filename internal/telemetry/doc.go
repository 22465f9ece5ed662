// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package telemetry 封装 OpenTelemetry SDK 初始化，为网关配置全局的
// TracerProvider 与 MeterProvider（OTLP gRPC 导出）。
// 遥测关闭时保持 noop 实现，不连接任何外部服务。
package telemetry
