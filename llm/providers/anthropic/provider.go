package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 1024
)

// knownModels 是对外公布的固定模型列表（Anthropic 模型目录需要额外权限）
var knownModels = []llm.Model{
	{ID: "claude-3-5-sonnet-latest", Description: "Claude 3.5 Sonnet", ContextLength: 200000},
	{ID: "claude-3-opus-latest", Description: "Claude 3 Opus", ContextLength: 200000},
	{ID: "claude-3-haiku-latest", Description: "Claude 3 Haiku", ContextLength: 200000},
}

// ClaudeProvider 通过 Anthropic Messages API（/v1/messages）实现 llm.Provider。
// 协议差异：
//   - 认证使用 x-api-key 请求头，并携带 anthropic-version
//   - system 消息从 messages 中提取，合并到 system 字段
//   - tool 结果包装为 user 角色的 tool_result 内容块
type ClaudeProvider struct {
	cfg    providers.ClaudeConfig
	client *http.Client
	stream *http.Client // 无整体超时
	logger *zap.Logger
}

// NewClaudeProvider 创建 Anthropic Provider
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		stream: tlsutil.StreamingHTTPClient(providers.StreamConnectTimeout),
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

func (p *ClaudeProvider) Name() string { return "anthropic" }

func (p *ClaudeProvider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", p.cfg.Version)
	req.Header.Set("Content-Type", "application/json")
}

// ListModels 返回固定模型列表
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	out := make([]llm.Model, 0, len(knownModels))
	for _, m := range knownModels {
		out = append(out, p.card(m))
	}
	return out, nil
}

func (p *ClaudeProvider) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	for _, m := range knownModels {
		if m.ID == id {
			card := p.card(m)
			return &card, nil
		}
	}
	return nil, llm.NewModelNotFoundError(p.Name(), id)
}

func (p *ClaudeProvider) card(m llm.Model) llm.Model {
	m.Object = "model"
	m.OwnedBy = "anthropic"
	m.Provider = p.Name()
	return m
}

// CreateEmbeddings Anthropic 没有公开的 Embedding API
func (p *ClaudeProvider) CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, llm.NewCapabilityNotSupportedError(p.Name(), "embeddings")
}

// =============================================================================
// Messages API 线协议
// =============================================================================

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeRequest struct {
	Model         string          `json:"model"`
	Messages      []claudeMessage `json:"messages"`
	System        string          `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float32        `json:"temperature,omitempty"`
	TopP          *float32        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      claudeUsage    `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// normalizeStopReason 将 Anthropic stop_reason 转为规范 finish_reason
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "tool_use":
		return llm.FinishReasonToolCalls
	default:
		return reason
	}
}

func convertMessages(msgs []llm.Message) (string, []claudeMessage) {
	var system []string
	out := make([]claudeMessage, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleTool:
			out = append(out, claudeMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			cm := claudeMessage{Role: string(m.Role)}
			if m.Role != llm.RoleAssistant {
				cm.Role = "user"
			}
			if m.Content != "" {
				cm.Content = append(cm.Content, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				cm.Content = append(cm.Content, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.ArgumentsJSON(),
				})
			}
			if len(cm.Content) > 0 {
				out = append(out, cm)
			}
		}
	}
	return strings.Join(system, "\n"), out
}

func (p *ClaudeProvider) buildRequest(req *llm.ChatRequest, stream bool) claudeRequest {
	system, messages := convertMessages(req.Messages)
	body := claudeRequest{
		Model:         providers.ChooseModel(req, p.cfg.Model, defaultModel),
		Messages:      messages,
		System:        system,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return body
}

func (p *ClaudeProvider) newRequest(ctx context.Context, body claudeRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)
	return httpReq, nil
}

func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	body := p.buildRequest(req, false)
	httpReq, err := p.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var cr claudeResponse
	if err := providers.DoJSON(p.client, httpReq, p.Name(), &cr); err != nil {
		return nil, err
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	var texts []string
	for _, block := range cr.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ID,
				Type:      "function",
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	msg.Content = strings.Join(texts, "")

	resp := &llm.ChatCompletion{
		Model:    body.Model,
		Provider: p.Name(),
		Choices: []llm.ChatChoice{{
			Message:      msg,
			FinishReason: normalizeStopReason(cr.StopReason),
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
		},
	}
	return resp.Normalize(body.Model), nil
}

// Stream 解析 Messages API 的 SSE 事件：content_block_delta/text_delta 携带文本，
// message_delta 携带 stop_reason，message_stop 结束流。
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	httpReq, err := p.newRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	body, err := providers.OpenStream(p.stream, httpReq, p.Name())
	if err != nil {
		return nil, err
	}
	return llm.TerminateStream(ctx, providers.PumpSSE(ctx, body, p.Name(), p.decodeEvent)), nil
}

// decodeEvent event: 行与 data 中的 type 字段重复，只看 data
func (p *ClaudeProvider) decodeEvent(data []byte) ([]llm.StreamChunk, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("decode stream event: %w", err)
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return []llm.StreamChunk{{Content: ev.Delta.Text}}, false, nil
		}
	case "message_delta":
		if ev.Delta.StopReason != "" {
			return []llm.StreamChunk{{FinishReason: normalizeStopReason(ev.Delta.StopReason)}}, false, nil
		}
	case "message_stop":
		return nil, true, nil
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return nil, false, llm.NewUpstreamHTTPError(p.Name(), http.StatusBadGateway, msg)
	}
	return nil, false, nil
}
