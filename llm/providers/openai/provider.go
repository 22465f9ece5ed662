package openai

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/providers/openaicompat"
)

const (
	defaultBaseURL        = "https://api.openai.com"
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// OpenAIProvider 实现 OpenAI LLM 提供者，线协议全部委托给 openaicompat.Provider。
type OpenAIProvider struct {
	*openaicompat.Provider
	cfg providers.OpenAIConfig
}

// NewOpenAIProvider 创建新的 OpenAI 提供者实例.
func NewOpenAIProvider(cfg providers.OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}

	p := &OpenAIProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "openai",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  defaultModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.Timeout,
		}, logger),
		cfg: cfg,
	}

	// Organization header
	p.SetBuildHeaders(func(req *http.Request, apiKey string) {
		providers.BearerTokenHeaders(req, apiKey)
		if cfg.Organization != "" {
			req.Header.Set("OpenAI-Organization", cfg.Organization)
		}
	})
	return p
}
