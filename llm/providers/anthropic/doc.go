// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 anthropic 提供 Anthropic Claude 系列模型的 Provider 适配实现，
将统一请求映射到 Anthropic Messages API（/v1/messages）。

# 协议差异

  - 认证使用 x-api-key 请求头，并携带 anthropic-version（默认 2023-06-01）
  - system 消息从 messages 数组中提取，合并后传递到 system 字段
  - Tool 结果包装为 user 角色的 tool_result 内容块
  - 流式 SSE 事件：content_block_delta 携带文本，message_delta 携带 stop_reason

# 支持能力

  - Chat Completion 与流式输出
  - 原生 Function Calling（tool_use / tool_result）
  - 固定模型列表

# 不支持能力

  - Embedding：返回 CAPABILITY_NOT_SUPPORTED
*/
package anthropic
