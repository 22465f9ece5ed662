package mistral

import (
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/llm/providers/openaicompat"
)

const (
	defaultBaseURL        = "https://api.mistral.ai"
	defaultModel          = "mistral-small-latest"
	defaultEmbeddingModel = "mistral-embed"
)

// MistralProvider 实现 Mistral AI LLM 提供者.
// Mistral AI 使用 OpenAI 兼容的 API 格式.
type MistralProvider struct {
	*openaicompat.Provider
}

// NewMistralProvider 创建新的 Mistral 提供者实例.
func NewMistralProvider(cfg providers.MistralConfig, logger *zap.Logger) *MistralProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}

	return &MistralProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "mistral",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  defaultModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.Timeout,
		}, logger),
	}
}
