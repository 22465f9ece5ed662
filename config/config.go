package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/llmgateway/internal/cache"
	"github.com/BaSui01/llmgateway/internal/database"
	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/proxy"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置，加载后只读，由 main 显式传给各组件
type Config struct {
	Server      ServerConfig       `yaml:"server" env:"SERVER"`
	Auth        AuthConfig         `yaml:"auth" env:"AUTH"`
	Log         LogConfig          `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
	Redis       cache.Config       `yaml:"redis" env:"REDIS"`
	Database    database.Config    `yaml:"database" env:"DATABASE"`
	MongoDB     ledger.MongoConfig `yaml:"mongodb" env:"MONGODB"`
	Ledger      LedgerConfig       `yaml:"ledger" env:"LEDGER"`
	LLM         LLMConfig          `yaml:"llm" env:"LLM"`
	Proxy       ProxyConfig        `yaml:"proxy" env:"PROXY"`
	Embeddings  EmbeddingsConfig   `yaml:"embeddings" env:"EMBEDDINGS"`
	Idempotency IdempotencyConfig  `yaml:"idempotency" env:"IDEMPOTENCY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort    int `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，0 表示不限制（流式响应需要）
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端的限流，RPS <= 0 关闭限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// AuthConfig 认证配置。启用后请求须携带 API Key 或 JWT。
type AuthConfig struct {
	Enabled bool      `yaml:"enabled" env:"ENABLED"`
	APIKeys []string  `yaml:"api_keys" env:"API_KEYS"`
	JWT     JWTConfig `yaml:"jwt" env:"JWT"`
}

// JWTConfig JWT 校验配置，HS256 用 Secret，RS256 用 PEM 公钥
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// Configured 是否配置了任何签名校验材料
func (j JWTConfig) Configured() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// LogConfig 日志配置
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// 账本后端
const (
	LedgerMongoDB = "mongodb"
	LedgerSQL     = "sql"
	LedgerMemory  = "memory"
)

// LedgerConfig 请求账本配置
type LedgerConfig struct {
	// mongodb / sql / memory
	Backend string `yaml:"backend" env:"BACKEND"`
}

// LLMConfig Provider 配置。未配置 api_key 的 Provider 不注册。
type LLMConfig struct {
	// 解析失败时的兜底 Provider
	DefaultProvider string        `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 为没有 api_key 的默认 Provider 注册离线实现
	OfflineFallback bool                    `yaml:"offline_fallback" env:"OFFLINE_FALLBACK"`
	OpenAI          providers.OpenAIConfig  `yaml:"openai" env:"OPENAI"`
	Mistral         providers.MistralConfig `yaml:"mistral" env:"MISTRAL"`
	Anthropic       providers.ClaudeConfig  `yaml:"anthropic" env:"ANTHROPIC"`
	Google          providers.GeminiConfig  `yaml:"google" env:"GOOGLE"`
	// 模型列表缓存时间（需要 Redis）
	ModelCacheTTL time.Duration `yaml:"model_cache_ttl" env:"MODEL_CACHE_TTL"`
}

// ProxyConfig 聚合上游转发配置
type ProxyConfig struct {
	proxy.Config `yaml:",inline"`
	// 为 true 时 /v1/chat/completions 走转发管道
	ChatViaProxy bool `yaml:"chat_via_proxy" env:"CHAT_VIA_PROXY"`
}

// EmbeddingsConfig 嵌入配置
type EmbeddingsConfig struct {
	// direct / batch
	Mode         string `yaml:"mode" env:"MODE"`
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// batch 模式下的 OpenAI 凭据，为空时沿用 llm.openai
	BatchAPIKey       string        `yaml:"batch_api_key" env:"BATCH_API_KEY"`
	BatchBaseURL      string        `yaml:"batch_base_url" env:"BATCH_BASE_URL"`
	BatchPollInterval time.Duration `yaml:"batch_poll_interval" env:"BATCH_POLL_INTERVAL"`
	BatchMaxPoll      time.Duration `yaml:"batch_max_poll" env:"BATCH_MAX_POLL"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
}

// IdempotencyConfig Idempotency-Key 重放配置
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	Prefix  string        `yaml:"prefix" env:"PREFIX"`
}

// RedisEnabled 是否配置了 Redis
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && !c.Auth.JWT.Configured() {
		errs = append(errs, "auth enabled but no api_keys or jwt secret/public_key configured")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry enabled but otlp_endpoint is empty")
	}

	switch c.Ledger.Backend {
	case LedgerMongoDB:
		if c.MongoDB.URI == "" || c.MongoDB.Database == "" {
			errs = append(errs, "mongodb ledger requires mongodb.uri and mongodb.database")
		}
	case LedgerSQL:
		if _, err := database.Dialector(c.Database.Driver, c.Database.DSN); err != nil {
			errs = append(errs, err.Error())
		}
		if err := c.Database.Pool.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	case LedgerMemory:
	default:
		errs = append(errs, fmt.Sprintf("invalid ledger backend %q", c.Ledger.Backend))
	}

	if strings.TrimSpace(c.LLM.DefaultProvider) == "" {
		errs = append(errs, "llm.default_provider must not be empty")
	}

	switch c.Embeddings.Mode {
	case "direct", "batch":
	default:
		errs = append(errs, fmt.Sprintf("invalid embeddings mode %q", c.Embeddings.Mode))
	}

	if c.Idempotency.Enabled && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
