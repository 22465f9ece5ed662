// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 embedding 提供网关的嵌入生成服务。

# 生成方式

  - direct：通过 ChatOrchestrator 解析 Provider 并调用 CreateEmbeddings
  - batch：通过 OpenAI Batch API 异步生成（上传 JSONL、创建 batch、
    轮询、下载输出）；未配置 API Key 时返回确定性桩向量

空输入在调用任何 Provider 之前返回 INVALID_PAYLOAD（400）。

# 输出格式

  - dict：OpenAI 兼容的 list 对象
  - points：[{id, vector, payload:{source_text}}]
  - tuple：[ids, vectors, payloads]，只保留带向量的条目
*/
package embedding
