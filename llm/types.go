package llm

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// 规范化的 finish_reason 取值
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

// ToolCall 模型发起的函数调用。Arguments 保持上游给出的 JSON 文本，
// 被截断时可能不是合法 JSON。JSON 形态见 tooljson.go。
type ToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // 工具返回时标识对应调用
}

// ToolSchema 可供调用的函数声明，线上为 {"type":"function","function":{...}}
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// ChatRequest 是一次入站聊天调用的规范化表示，构造后不再修改。
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        StopSequences   `json:"stop,omitempty"`
	Tools       []ToolSchema    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"` // "auto" / "none" / {"type":"function",...}
	Stream      bool            `json:"stream,omitempty"`
	UserID      string          `json:"-"`
}

// WithModel returns a shallow copy of the request targeting model.
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	cp := *r
	cp.Model = model
	return &cp
}

type TokenDetails struct {
	CachedTokens    int `json:"cached_tokens"`
	AudioTokens     int `json:"audio_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

type ChatUsage struct {
	PromptTokens            int           `json:"prompt_tokens"`
	CompletionTokens        int           `json:"completion_tokens"`
	TotalTokens             int           `json:"total_tokens"`
	PromptTokensDetails     *TokenDetails `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *TokenDetails `json:"completion_tokens_details,omitempty"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletion 是所有 Provider 必须产出的唯一响应结构（OpenAI chat.completion 形态）。
type ChatCompletion struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Created     int64        `json:"created"`
	Model       string       `json:"model"`
	Provider    string       `json:"-"`
	Choices     []ChatChoice `json:"choices"`
	Usage       ChatUsage    `json:"usage"`
	ServiceTier string       `json:"service_tier"`
}

// StreamChunk 是 Provider 流式输出的一个文本片段，只在传输过程中存在。
type StreamChunk struct {
	Content      string
	FinishReason string
	Err          error
}

// StreamItem 是编排层对 StreamChunk 的关联包装。
type StreamItem struct {
	StreamChunk
	JobID string
}

// Model 是 Provider 作用域内的模型描述（ModelCard）。
type Model struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Created       int64  `json:"created,omitempty"`
	OwnedBy       string `json:"owned_by,omitempty"`
	Provider      string `json:"provider"`
	ContextLength int    `json:"context_length,omitempty"`
	Description   string `json:"description,omitempty"`
}

type EmbeddingRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"input"`
}

type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingResponse struct {
	Model string          `json:"model"`
	Data  []EmbeddingData `json:"data"`
	Usage EmbeddingUsage  `json:"usage"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}
