// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package idempotency 为带 Idempotency-Key 请求头的非流式对话请求提供结果重放。
// 结果存储在 Redis（多实例）或进程内存中，键按用户隔离，
// 同一个键配不同请求体返回 422。
package idempotency
