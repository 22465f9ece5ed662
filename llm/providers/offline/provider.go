package offline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

const (
	// Name 是离线 Provider 的注册名
	Name = "offline"

	defaultModel = "offline-echo"
	defaultReply = "ok"
)

// Provider 回显最后一条 user 消息，或回复 "ok"
type Provider struct {
	name   string
	logger *zap.Logger
}

// New 创建离线 Provider。name 为空时使用 "offline"；
// 作为默认 Provider 的替身时可以传入 "mistral"。
func New(name string, logger *zap.Logger) *Provider {
	if name == "" {
		name = Name
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{name: name, logger: logger.With(zap.String("provider", name))}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return []llm.Model{p.card(defaultModel)}, nil
}

func (p *Provider) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	m := p.card(id)
	return &m, nil
}

func (p *Provider) card(id string) llm.Model {
	return llm.Model{
		ID:          id,
		Object:      "model",
		OwnedBy:     "llmgateway",
		Provider:    p.name,
		Description: "local offline echo model",
	}
}

func reply(req *llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role == llm.RoleUser && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return defaultReply
}

func modelOf(req *llm.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return defaultModel
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	text := reply(req)
	resp := &llm.ChatCompletion{
		Provider: p.name,
		Choices: []llm.ChatChoice{{
			Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
			FinishReason: llm.FinishReasonStop,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     len(req.Messages),
			CompletionTokens: len(strings.Fields(text)),
		},
	}
	return resp.Normalize(modelOf(req)), nil
}

// Stream 按单词输出回复，单词之间保留空格
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	words := strings.Fields(reply(req))
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamChunk{Content: w}:
			}
		}
		select {
		case <-ctx.Done():
		case ch <- llm.StreamChunk{FinishReason: llm.FinishReasonStop}:
		}
	}()
	return llm.TerminateStream(ctx, ch), nil
}

func (p *Provider) CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	out := &llm.EmbeddingResponse{Model: model}
	tokens := 0
	for i, in := range req.Inputs {
		out.Data = append(out.Data, llm.EmbeddingData{
			Object:    "embedding",
			Embedding: []float64{0.1, 0.2, 0.3},
			Index:     i,
		})
		tokens += len(strings.Fields(in))
	}
	out.Usage.PromptTokens = tokens
	out.Usage.TotalTokens = tokens
	return out, nil
}
