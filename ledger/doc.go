// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 ledger 提供 LLM 请求账本：每个外部请求一条记录，
分发前写入请求期字段，分发后写入一次终态字段。

# 实现

  - MemoryLedger：进程内，测试与无数据库部署使用
  - MongoLedger：MongoDB llm_requests 集合，$set 更新并刷新 updated_at
  - SQLLedger：GORM llm_requests 表，支持 postgres / mysql / sqlite

# Job

Begin 生成 job_id 并写入分发前记录；Job.Finish 保证终态更新只写一次，
且在请求 ctx 被取消（客户端断开）后仍会落账。
*/
package ledger
