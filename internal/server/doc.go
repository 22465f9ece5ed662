// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 server 管理网关 HTTP 服务器的生命周期。

Manager 封装 net/http.Server：Start 在后台监听，Wait 阻塞到信号
上下文结束或服务异常退出，Shutdown 在 ShutdownTimeout 内排空请求。
API 端口与 /metrics 端口各用一个 Manager。
*/
package server
