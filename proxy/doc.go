// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 proxy 实现透传代理路径：把调用方的 JSON 请求体原样转发给
OpenRouter 风格的聚合上游，不经过 Provider 适配层。

# 生命周期

 1. 读取请求体；空请求体、非法 JSON 或非对象返回 400，不写账本
 2. 计算 request_hash（sha256）与 request_bytes
 3. 生成 job_id，写入分发前记录
 4. 非流式：一次上游调用。连接失败返回 502，上游错误原样返回，
    成功时尽力从 JSON 中提取 id / usage / finish_reason
 5. 流式：逐块转发上游字节；结束、断开或出错时关闭上游连接并写入一次终态更新

无论走哪条退出路径，每个 job_id 只有一次终态更新。
*/
package proxy
