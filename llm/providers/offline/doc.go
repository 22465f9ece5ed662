// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

// Package offline 提供不依赖任何上游的本地 Provider，
// 在 llm.offline_fallback 开启且没有可用的远程 Provider 时注册。
package offline
