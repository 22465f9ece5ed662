package providers

import "time"

// StreamConnectTimeout 流式请求只限制建连与 TLS 握手，流的时长由请求 ctx 决定
const StreamConnectTimeout = 10 * time.Second

// BaseProviderConfig 所有 Provider 共享的基础配置字段。
// 各 Provider 的 Config 通过嵌入获得 APIKey、BaseURL、Model、Timeout。
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL string        `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty" env:"MODEL"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" env:"TIMEOUT"`
}

// Enabled reports whether an API key has been configured.
func (c BaseProviderConfig) Enabled() bool {
	return c.APIKey != ""
}

// OpenAIConfig OpenAI Provider 配置
type OpenAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Organization       string `json:"organization,omitempty" yaml:"organization,omitempty" env:"ORGANIZATION"`
	EmbeddingModel     string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty" env:"EMBEDDING_MODEL"`
}

// MistralConfig Mistral AI Provider 配置
type MistralConfig struct {
	BaseProviderConfig `yaml:",inline"`
	EmbeddingModel     string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty" env:"EMBEDDING_MODEL"`
}

// ClaudeConfig Anthropic Claude Provider 配置
type ClaudeConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Version            string `json:"version,omitempty" yaml:"version,omitempty" env:"VERSION"`
	MaxTokens          int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" env:"MAX_TOKENS"`
}

// GeminiConfig Google Gemini Provider 配置
type GeminiConfig struct {
	BaseProviderConfig `yaml:",inline"`
	EmbeddingModel     string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty" env:"EMBEDDING_MODEL"`
}
