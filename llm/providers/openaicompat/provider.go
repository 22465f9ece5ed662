package openaicompat

import (
	"bytes"
	"cmp"
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
)

// Config OpenAI 兼容上游的连接参数
type Config struct {
	ProviderName string
	APIKey       string
	BaseURL      string

	// 模型选择顺序：请求 > DefaultModel > FallbackModel
	DefaultModel   string
	FallbackModel  string
	EmbeddingModel string

	Timeout time.Duration // 0 表示 30s

	// 路径为空时取 OpenAI 官方路径
	EndpointPath       string
	ModelsEndpoint     string
	EmbeddingsEndpoint string

	// nil 时使用 Bearer 认证
	BuildHeaders func(req *http.Request, apiKey string)
}

func (c *Config) fillDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&c.EndpointPath, "/v1/chat/completions"},
		{&c.ModelsEndpoint, "/v1/models"},
		{&c.EmbeddingsEndpoint, "/v1/embeddings"},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
}

// Provider openai、mistral 共用的适配器
type Provider struct {
	Cfg    Config
	Client *http.Client
	// StreamClient 没有整体超时，只用于 Stream
	StreamClient *http.Client
	Logger       *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:          cfg,
		Client:       tlsutil.SecureHTTPClient(cfg.Timeout),
		StreamClient: tlsutil.StreamingHTTPClient(providers.StreamConnectTimeout),
		Logger:       logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

// SetBuildHeaders 替换认证头的写法，构造之后调用
func (p *Provider) SetBuildHeaders(fn func(req *http.Request, apiKey string)) {
	p.Cfg.BuildHeaders = fn
}

func (p *Provider) headers() func(*http.Request, string) {
	if p.Cfg.BuildHeaders != nil {
		return p.Cfg.BuildHeaders
	}
	return providers.BearerTokenHeaders
}

// HealthCheck 以一次 /models 调用判断连通性
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.ListModels(ctx)
	return &llm.HealthStatus{Healthy: err == nil, Latency: time.Since(start)}, err
}

func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return providers.ListModelsOpenAICompat(ctx, p.Client, p.Cfg.BaseURL, p.Cfg.APIKey, p.Name(), p.Cfg.ModelsEndpoint, p.headers())
}

func (p *Provider) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	return providers.GetModelOpenAICompat(ctx, p.Client, p.Cfg.BaseURL, p.Cfg.APIKey, p.Name(), p.Cfg.ModelsEndpoint, id, p.headers())
}

func (p *Provider) newJSONRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(p.Cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.headers()(httpReq, p.Cfg.APIKey)
	return httpReq, nil
}

// chatRequest 选定模型并构造 chat/completions 请求
func (p *Provider) chatRequest(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Request, string, error) {
	model := providers.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)
	httpReq, err := p.newJSONRequest(ctx, p.Cfg.EndpointPath, providers.BuildOpenAIRequest(req, model, stream))
	return httpReq, model, err
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	httpReq, model, err := p.chatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	var wire providers.OpenAICompatResponse
	if err := providers.DoJSON(p.Client, httpReq, p.Name(), &wire); err != nil {
		return nil, err
	}
	return providers.ToChatCompletion(wire, p.Name(), model), nil
}

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	httpReq, _, err := p.chatRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	body, err := providers.OpenStream(p.StreamClient, httpReq, p.Name())
	if err != nil {
		return nil, err
	}
	return llm.TerminateStream(ctx, StreamSSE(ctx, body, p.Name())), nil
}

// CreateEmbeddings 未指定模型时用 EmbeddingModel；缺省的 object 字段补成 "embedding"
func (p *Provider) CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	model := cmp.Or(req.Model, p.Cfg.EmbeddingModel)
	httpReq, err := p.newJSONRequest(ctx, p.Cfg.EmbeddingsEndpoint, map[string]any{"model": model, "input": req.Inputs})
	if err != nil {
		return nil, err
	}

	var out llm.EmbeddingResponse
	if err := providers.DoJSON(p.Client, httpReq, p.Name(), &out); err != nil {
		return nil, err
	}
	out.Model = cmp.Or(out.Model, model)
	for i := range out.Data {
		out.Data[i].Object = cmp.Or(out.Data[i].Object, "embedding")
	}
	return &out, nil
}

// StreamSSE 解析 OpenAI 风格的 SSE 响应体，只取第一个 choice，丢弃空 delta
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan llm.StreamChunk {
	return providers.PumpSSE(ctx, body, providerName, decodeChunk)
}

func decodeChunk(data []byte) ([]llm.StreamChunk, bool, error) {
	if string(data) == "[DONE]" {
		return nil, true, nil
	}
	var oa providers.OpenAICompatResponse
	if err := json.Unmarshal(data, &oa); err != nil {
		return nil, false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if len(oa.Choices) == 0 {
		return nil, false, nil
	}

	c := llm.StreamChunk{FinishReason: oa.Choices[0].FinishReason}
	if d := oa.Choices[0].Delta; d != nil && d.Content != nil {
		c.Content = *d.Content
	}
	if c.Content == "" && c.FinishReason == "" {
		return nil, false, nil
	}
	return []llm.StreamChunk{c}, false, nil
}
