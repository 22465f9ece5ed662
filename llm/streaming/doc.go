// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 streaming 负责网关两条流式路径的 SSE 输出。

# 原生路径

Transcoder 消费编排层的 StreamItem 序列，编码为 chat.completion.chunk 帧：

  - 开始时发送一帧 preamble：delta.role=assistant，delta.content 为空
  - 每个非空片段发送一帧，空片段跳过
  - 结束时发送唯一的终止帧，finish_reason 取最后观察到的值，默认 stop
  - 出错时发送 event: error 帧，之后不再发送终止帧

# 代理路径

Relay 把上游 SSE 字节原样逐块复制到客户端，每次写入后 flush，
不解析内容。
*/
package streaming
