package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/types"
)

const (
	defaultBaseURL        = "https://generativelanguage.googleapis.com"
	defaultModel          = "gemini-1.5-flash"
	defaultEmbeddingModel = "text-embedding-004"
)

// GeminiProvider 实现 Google Gemini 的 LLM Provider
// Gemini API 特点：
// 1. 使用 x-goog-api-key 请求头认证
// 2. assistant 角色在线协议中称为 "model"
// 3. system 消息通过 systemInstruction 传递
type GeminiProvider struct {
	cfg    providers.GeminiConfig
	client *http.Client
	stream *http.Client // 无整体超时
	logger *zap.Logger
}

// NewGeminiProvider 创建 Gemini Provider
func NewGeminiProvider(cfg providers.GeminiConfig, logger *zap.Logger) *GeminiProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		stream: tlsutil.StreamingHTTPClient(providers.StreamConnectTimeout),
		logger: logger.With(zap.String("provider", "google")),
	}
}

// Name 与注册表别名 google/gemini 对应
func (p *GeminiProvider) Name() string { return "google" }

func (p *GeminiProvider) buildHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *GeminiProvider) endpoint(format string, args ...any) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + fmt.Sprintf(format, args...)
}

func (p *GeminiProvider) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)
	return httpReq, nil
}

func (p *GeminiProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.ListModels(ctx)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels 获取 Gemini 支持的模型列表（去掉 "models/" 前缀）
func (p *GeminiProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.endpoint("/v1beta/models"), nil)
	if err != nil {
		return nil, err
	}

	var modelsResp struct {
		Models []geminiModel `json:"models"`
	}
	if err := providers.DoJSON(p.client, httpReq, p.Name(), &modelsResp); err != nil {
		return nil, err
	}

	models := make([]llm.Model, 0, len(modelsResp.Models))
	for _, m := range modelsResp.Models {
		models = append(models, m.toModel())
	}
	return models, nil
}

// GetModel 查询单个模型
func (p *GeminiProvider) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	id = strings.TrimPrefix(id, "models/")
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.endpoint("/v1beta/models/%s", id), nil)
	if err != nil {
		return nil, err
	}

	var gm geminiModel
	if err := providers.DoJSON(p.client, httpReq, p.Name(), &gm); err != nil {
		if types.IsErrorCode(err, types.ErrModelNotFound) {
			return nil, llm.NewModelNotFoundError(p.Name(), id)
		}
		return nil, err
	}
	m := gm.toModel()
	if m.ID == "" {
		m.ID = id
	}
	return &m, nil
}

func (p *GeminiProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	model := providers.ChooseModel(req, p.cfg.Model, defaultModel)
	httpReq, err := p.newRequest(ctx, http.MethodPost,
		p.endpoint("/v1beta/models/%s:generateContent", model), encodeRequest(req))
	if err != nil {
		return nil, err
	}

	var gr geminiResponse
	if err := providers.DoJSON(p.client, httpReq, p.Name(), &gr); err != nil {
		return nil, err
	}
	return toChatCompletion(gr, p.Name(), model), nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, defaultModel)
	httpReq, err := p.newRequest(ctx, http.MethodPost,
		p.endpoint("/v1beta/models/%s:streamGenerateContent?alt=sse", model), encodeRequest(req))
	if err != nil {
		return nil, err
	}

	body, err := providers.OpenStream(p.stream, httpReq, p.Name())
	if err != nil {
		return nil, err
	}
	return llm.TerminateStream(ctx, providers.PumpSSE(ctx, body, p.Name(), decodeStreamChunk)), nil
}

// CreateEmbeddings 通过 batchEmbedContents 一次生成全部向量
func (p *GeminiProvider) CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	model := strings.TrimPrefix(req.Model, "models/")
	if model == "" {
		model = p.cfg.EmbeddingModel
	}

	type embedRequest struct {
		Model   string        `json:"model"`
		Content geminiContent `json:"content"`
	}
	body := struct {
		Requests []embedRequest `json:"requests"`
	}{}
	for _, input := range req.Inputs {
		body.Requests = append(body.Requests, embedRequest{
			Model:   "models/" + model,
			Content: geminiContent{Parts: []geminiPart{{Text: input}}},
		})
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost,
		p.endpoint("/v1beta/models/%s:batchEmbedContents", model), body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	if err := providers.DoJSON(p.client, httpReq, p.Name(), &out); err != nil {
		return nil, err
	}

	resp := &llm.EmbeddingResponse{Model: model}
	for i, e := range out.Embeddings {
		resp.Data = append(resp.Data, llm.EmbeddingData{
			Object:    "embedding",
			Embedding: e.Values,
			Index:     i,
		})
	}
	return resp, nil
}
