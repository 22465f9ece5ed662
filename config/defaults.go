// =============================================================================
// 📦 llmgateway 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/llmgateway/internal/cache"
	"github.com/BaSui01/llmgateway/internal/database"
	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/idempotency"
	"github.com/BaSui01/llmgateway/proxy"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Auth:        AuthConfig{},
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		MongoDB:     DefaultMongoConfig(),
		Ledger:      LedgerConfig{Backend: LedgerMongoDB},
		LLM:         DefaultLLMConfig(),
		Proxy:       DefaultProxyConfig(),
		Embeddings:  DefaultEmbeddingsConfig(),
		Idempotency: DefaultIdempotencyConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxBodyBytes:    10 << 20,
	}
}

// DefaultRedisConfig 默认不连接 Redis（Addr 为空），缓存与幂等退化为进程内实现
func DefaultRedisConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Addr = ""
	return cfg
}

// DefaultDatabaseConfig 返回默认 SQL 账本配置
func DefaultDatabaseConfig() database.Config {
	return database.Config{
		Driver: "postgres",
		DSN:    "host=localhost port=5432 user=llmgateway dbname=llmgateway sslmode=disable",
		Pool:   database.DefaultPoolConfig(),

		AutoMigrate: true,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() ledger.MongoConfig {
	return ledger.MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "llmgateway",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: llm.DefaultProviderName,
		Timeout:         60 * time.Second,
		ModelCacheTTL:   5 * time.Minute,
	}
}

// DefaultProxyConfig 返回默认转发配置
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Config: proxy.Config{
			BaseURL:        proxy.DefaultBaseURL,
			AppName:        "llmgateway",
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// DefaultEmbeddingsConfig 返回默认嵌入配置
func DefaultEmbeddingsConfig() EmbeddingsConfig {
	return EmbeddingsConfig{
		Mode:              "direct",
		DefaultModel:      "mistral-embed",
		BatchPollInterval: 2 * time.Second,
		BatchMaxPoll:      5 * time.Second,
		BatchTimeout:      30 * time.Minute,
	}
}

// DefaultIdempotencyConfig 返回默认幂等配置
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Enabled: true,
		TTL:     idempotency.DefaultTTL,
		Prefix:  "llmgateway:idempotency:",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgateway",
		SampleRate:   0.1,
	}
}
