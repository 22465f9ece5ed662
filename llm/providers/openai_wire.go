package providers

import (
	"encoding/json"

	"github.com/BaSui01/llmgateway/llm"
)

// =============================================================================
// OpenAI 兼容线协议（openai、mistral、embedding batch 共用）
// =============================================================================

// OpenAICompatMessage content 为指针：assistant 只带 tool_calls 时需要显式 null
type OpenAICompatMessage struct {
	Role       string                 `json:"role,omitempty"`
	Content    *string                `json:"content"`
	Name       string                 `json:"name,omitempty"`
	ToolCalls  []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

type OpenAICompatToolCall struct {
	ID       string               `json:"id,omitempty"`
	Type     string               `json:"type,omitempty"`
	Function OpenAICompatFunction `json:"function"`
}

// OpenAICompatFunction arguments 在线上是 JSON 编码后的字符串
type OpenAICompatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type OpenAICompatTool struct {
	Type     string                 `json:"type"`
	Function OpenAICompatToolSchema `json:"function"`
}

type OpenAICompatToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	Tools       []OpenAICompatTool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage       `json:"tool_choice,omitempty"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature *float32              `json:"temperature,omitempty"`
	TopP        *float32              `json:"top_p,omitempty"`
	Stop        []string              `json:"stop,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
}

// OpenAICompatChoice 非流式用 Message，流式 chunk 用 Delta
type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

type OpenAICompatUsage struct {
	PromptTokens            int               `json:"prompt_tokens"`
	CompletionTokens        int               `json:"completion_tokens"`
	TotalTokens             int               `json:"total_tokens"`
	PromptTokensDetails     *llm.TokenDetails `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *llm.TokenDetails `json:"completion_tokens_details,omitempty"`
}

// OpenAICompatResponse 完整响应与流式 chunk 共用
type OpenAICompatResponse struct {
	ID          string               `json:"id"`
	Model       string               `json:"model"`
	Created     int64                `json:"created,omitempty"`
	Choices     []OpenAICompatChoice `json:"choices"`
	Usage       *OpenAICompatUsage   `json:"usage,omitempty"`
	ServiceTier string               `json:"service_tier,omitempty"`
}

func toWireMessage(m llm.Message) OpenAICompatMessage {
	content := m.Content
	out := OpenAICompatMessage{
		Role:       string(m.Role),
		Content:    &content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if n := len(m.ToolCalls); n > 0 {
		out.ToolCalls = make([]OpenAICompatToolCall, n)
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = OpenAICompatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: OpenAICompatFunction{Name: tc.Name, Arguments: tc.Arguments},
			}
		}
	}
	return out
}

func fromWireMessage(m OpenAICompatMessage) llm.Message {
	out := llm.Message{Role: llm.RoleAssistant, Name: m.Name}
	if m.Content != nil {
		out.Content = *m.Content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// ConvertMessagesToOpenAI 规范消息 → 线格式
func ConvertMessagesToOpenAI(msgs []llm.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = toWireMessage(m)
	}
	return out
}

// ConvertToolsToOpenAI 没有工具时返回 nil，避免序列化出 "tools": []
func ConvertToolsToOpenAI(tools []llm.ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, len(tools))
	for i, t := range tools {
		out[i] = OpenAICompatTool{
			Type:     "function",
			Function: OpenAICompatToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		}
	}
	return out
}

func BuildOpenAIRequest(req *llm.ChatRequest, model string, stream bool) OpenAICompatRequest {
	return OpenAICompatRequest{
		Model:       model,
		Messages:    ConvertMessagesToOpenAI(req.Messages),
		Tools:       ConvertToolsToOpenAI(req.Tools),
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
}

// ToChatCompletion 线格式 → 规范响应，缺省的 id/object/finish_reason 由 Normalize 补齐
func ToChatCompletion(oa OpenAICompatResponse, provider, model string) *llm.ChatCompletion {
	resp := &llm.ChatCompletion{
		ID:          oa.ID,
		Created:     oa.Created,
		Model:       oa.Model,
		Provider:    provider,
		ServiceTier: oa.ServiceTier,
		Choices:     make([]llm.ChatChoice, len(oa.Choices)),
	}
	for i, c := range oa.Choices {
		resp.Choices[i] = llm.ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: fromWireMessage(c.Message)}
	}
	if u := oa.Usage; u != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:            u.PromptTokens,
			CompletionTokens:        u.CompletionTokens,
			TotalTokens:             u.TotalTokens,
			PromptTokensDetails:     u.PromptTokensDetails,
			CompletionTokensDetails: u.CompletionTokensDetails,
		}
	}
	return resp.Normalize(model)
}
