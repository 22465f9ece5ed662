// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 cache 提供基于 Redis 的缓存管理。

Manager 封装带键前缀的读写、JSON 编解码与后台健康检查；
GetOrLoad 在缓存未命中或 Redis 故障时回退到数据源并回填。
ModelCatalog 用它缓存 /v1/models 的模型卡片。
*/
package cache
