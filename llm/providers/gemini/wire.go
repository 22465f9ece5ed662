package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/llmgateway/llm"
)

// =============================================================================
// generateContent 线协议
// =============================================================================

// geminiContent role 只有 user 与 model 两种
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// geminiResponse responseId 不是 chatcmpl 形式，不回传给客户端
type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiModel struct {
	Name            string `json:"name"`
	DisplayName     string `json:"displayName"`
	Description     string `json:"description"`
	InputTokenLimit int    `json:"inputTokenLimit"`
}

func (m geminiModel) toModel() llm.Model {
	return llm.Model{
		ID:            strings.TrimPrefix(m.Name, "models/"),
		Object:        "model",
		OwnedBy:       "google",
		Provider:      "google",
		ContextLength: m.InputTokenLimit,
		Description:   m.Description,
	}
}

// =============================================================================
// 规范请求 → Gemini
// =============================================================================

// encodeRequest system 消息全部并入 systemInstruction，其余按顺序转 contents
func encodeRequest(req *llm.ChatRequest) geminiRequest {
	var (
		system   []string
		contents []geminiContent
	)
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if c := encodeMessage(m); len(c.Parts) > 0 {
			contents = append(contents, c)
		}
	}

	out := geminiRequest{Contents: contents, Tools: encodeTools(req.Tools)}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n")}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func encodeMessage(m llm.Message) geminiContent {
	switch m.Role {
	case llm.RoleTool:
		// 工具结果不是 JSON 对象时包一层 {"result": ...}
		var response map[string]any
		if json.Unmarshal([]byte(m.Content), &response) != nil {
			response = map[string]any{"result": m.Content}
		}
		return geminiContent{Role: "user", Parts: []geminiPart{{
			FunctionResponse: &geminiFunctionResponse{Name: m.Name, Response: response},
		}}}
	case llm.RoleAssistant:
		c := geminiContent{Role: "model"}
		if m.Content != "" {
			c.Parts = append(c.Parts, geminiPart{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.ArgumentsJSON(), &args)
			c.Parts = append(c.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
		}
		return c
	default:
		c := geminiContent{Role: "user"}
		if m.Content != "" {
			c.Parts = []geminiPart{{Text: m.Content}}
		}
		return c
	}
}

func encodeTools(tools []llm.ToolSchema) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = geminiFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

// =============================================================================
// Gemini → 规范响应
// =============================================================================

var finishReasons = map[string]string{
	"STOP":               llm.FinishReasonStop,
	"MAX_TOKENS":         llm.FinishReasonLength,
	"SAFETY":             "content_filter",
	"RECITATION":         "content_filter",
	"BLOCKLIST":          "content_filter",
	"PROHIBITED_CONTENT": "content_filter",
	"SPII":               "content_filter",
}

// normalizeFinishReason 未知取值转小写透传
func normalizeFinishReason(reason string) string {
	if r, ok := finishReasons[reason]; ok {
		return r
	}
	return strings.ToLower(reason)
}

// decodeCandidate 拼接文本 part；出现 functionCall 时 finish_reason 改为 tool_calls
func decodeCandidate(c geminiCandidate) llm.ChatChoice {
	msg := llm.Message{Role: llm.RoleAssistant}
	var text strings.Builder
	for i, part := range c.Content.Parts {
		text.WriteString(part.Text)
		if fc := part.FunctionCall; fc != nil {
			args, _ := json.Marshal(fc.Args)
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", fc.Name, i),
				Type:      "function",
				Name:      fc.Name,
				Arguments: string(args),
			})
		}
	}
	msg.Content = text.String()

	finish := normalizeFinishReason(c.FinishReason)
	if len(msg.ToolCalls) > 0 {
		finish = llm.FinishReasonToolCalls
	}
	return llm.ChatChoice{Index: c.Index, FinishReason: finish, Message: msg}
}

func toChatCompletion(gr geminiResponse, provider, model string) *llm.ChatCompletion {
	resp := &llm.ChatCompletion{Model: model, Provider: provider}
	for _, c := range gr.Candidates {
		resp.Choices = append(resp.Choices, decodeCandidate(c))
	}
	if u := gr.UsageMetadata; u != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return resp.Normalize(model)
}

// decodeStreamChunk 只取第一个候选；空文本且无结束原因的事件丢弃
func decodeStreamChunk(data []byte) ([]llm.StreamChunk, bool, error) {
	var gr geminiResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, false, nil
	}

	first := gr.Candidates[0]
	c := llm.StreamChunk{FinishReason: normalizeFinishReason(first.FinishReason)}
	for _, part := range first.Content.Parts {
		c.Content += part.Text
	}
	if c.Content == "" && c.FinishReason == "" {
		return nil, false, nil
	}
	return []llm.StreamChunk{c}, false, nil
}
