// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 migration 管理 SQL 请求账本 llm_requests 表的版本化 Schema。

各方言（postgres / mysql / sqlite）的 SQL 文件通过 embed.FS 内嵌，
由 golang-migrate 执行。Open 按 database.Config 打开独立连接并创建
DefaultMigrator；serve 在 auto_migrate 打开时于启动前执行 Up，
`llmgateway migrate` 子命令通过 CLI 暴露 up/down/status/version/
goto/force/reset。
*/
package migration
