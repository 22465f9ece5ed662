package llm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Provider 定义了统一的 LLM 适配接口，每个后端一个实现，负责与规范化结构之间的互转。
type Provider interface {
	// Name 返回 Provider 的唯一标识
	Name() string

	// ListModels 返回 Provider 作用域内的模型列表
	ListModels(ctx context.Context) ([]Model, error)

	// GetModel 查询单个模型，不存在时返回 ModelNotFound 错误
	GetModel(ctx context.Context, id string) (*Model, error)

	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatCompletion, error)

	// Stream 发起流式聊天请求，返回增量片段通道。
	// 最后一个片段的 FinishReason 非空，之后通道关闭。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// CreateEmbeddings 生成向量；不支持时返回 CapabilityNotSupported 错误
	CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// HealthChecker is implemented by providers that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// NewCompletionID returns a synthetic "chatcmpl-" identifier with 24 hex characters.
func NewCompletionID() string {
	return "chatcmpl-" + randomHex(12)
}

// NewEmbeddingID returns a synthetic "embd-" identifier with 12 hex characters.
func NewEmbeddingID() string {
	return "embd-" + randomHex(6)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// DefaultFinishReason returns "tool_calls" when the message carries tool calls, else "stop".
func DefaultFinishReason(msg Message) string {
	if len(msg.ToolCalls) > 0 {
		return FinishReasonToolCalls
	}
	return FinishReasonStop
}

// Normalize fills the canonical envelope fields a backend may have left empty.
func (c *ChatCompletion) Normalize(model string) *ChatCompletion {
	if c.ID == "" {
		c.ID = NewCompletionID()
	}
	if c.Created == 0 {
		c.Created = time.Now().Unix()
	}
	if c.Model == "" {
		c.Model = model
	}
	c.Object = "chat.completion"
	if c.ServiceTier == "" {
		c.ServiceTier = "default"
	}
	for i := range c.Choices {
		c.Choices[i].Message.Role = RoleAssistant
		if c.Choices[i].FinishReason == "" {
			c.Choices[i].FinishReason = DefaultFinishReason(c.Choices[i].Message)
		}
	}
	if c.Usage.TotalTokens == 0 {
		c.Usage.TotalTokens = c.Usage.PromptTokens + c.Usage.CompletionTokens
	}
	if c.Usage.PromptTokensDetails == nil {
		c.Usage.PromptTokensDetails = &TokenDetails{}
	}
	if c.Usage.CompletionTokensDetails == nil {
		c.Usage.CompletionTokensDetails = &TokenDetails{}
	}
	return c
}
