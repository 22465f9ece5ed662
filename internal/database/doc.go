// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 database 为 SQL 请求账本提供 GORM 连接与连接池管理。

Open 按驱动名（postgres / mysql / sqlite）选择 Dialector 打开数据库，
PoolManager 负责连接池参数、探活与关闭。StartHealthCheck 启动的后台
探活会把打开/空闲连接数交给 StatsReporter，便于导出为 Prometheus 指标。
*/
package database
