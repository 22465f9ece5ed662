// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 llm 提供网关的 Provider 抽象、模型解析与聊天编排。

# 概述

每个模型服务商由一个 [Provider] 适配器接入，适配器负责在规范结构
（[ChatRequest]、[ChatCompletion]、[StreamChunk]）与服务商线协议之间转换。
上层只面对规范结构，不感知具体服务商。

# 模型解析

[ProviderRegistry.Resolve] 将模型标识映射为 (Provider, 规范模型 ID)：

  - "<alias>/<model>" 通过别名表解析，并去掉前缀
  - 裸模型名按固定顺序匹配前缀规则，首个命中即返回
  - 无匹配时返回 nil，由调用方决定回退或报错

# 编排

[ChatOrchestrator] 在解析失败时回退到默认 Provider（默认 "mistral"），
两者都不可用时返回 PROVIDER_RESOLUTION 错误。流式结果经 [TerminateStream]
保证最后一项携带 finish_reason，并用调用方提供的 job_id 标记每一项。

# 错误

所有错误均为 *types.Error，构造函数见 errors.go。
*/
package llm
