package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/config"
	"github.com/BaSui01/llmgateway/internal/cache"
	"github.com/BaSui01/llmgateway/internal/database"
	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/internal/migration"
	"github.com/BaSui01/llmgateway/internal/server"
	"github.com/BaSui01/llmgateway/internal/telemetry"
	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/embedding"
	"github.com/BaSui01/llmgateway/llm/idempotency"
	"github.com/BaSui01/llmgateway/llm/providers/anthropic"
	"github.com/BaSui01/llmgateway/llm/providers/gemini"
	"github.com/BaSui01/llmgateway/llm/providers/mistral"
	"github.com/BaSui01/llmgateway/llm/providers/offline"
	"github.com/BaSui01/llmgateway/llm/providers/openai"
	"github.com/BaSui01/llmgateway/proxy"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有网关运行期的全部组件，按依赖顺序构建、逆序关闭
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	orchestrator *llm.ChatOrchestrator
	ledger       ledger.Ledger

	// 可选后端，未配置时为 nil
	cacheManager *cache.Manager
	pool         *database.PoolManager
	mongo        *ledger.MongoLedger
	memStore     *idempotency.MemoryStore

	// Handlers
	healthHandler     *handlers.HealthHandler
	chatHandler       *handlers.ChatHandler
	proxyHandler      *handlers.ProxyHandler
	embeddingsHandler *handlers.EmbeddingsHandler
	modelsHandler     *handlers.ModelsHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 连接后端并构建所有 handler。失败时已打开的资源会被释放。
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metrics", s.initMetrics},
		{"telemetry", s.initTelemetry},
		{"providers", s.initProviders},
		{"ledger", s.initLedger},
		{"cache", s.initCache},
		{"handlers", s.initHandlers},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}
	return s, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initMetrics(context.Context) error {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("llmgateway", s.registry, s.logger)
	return nil
}

func (s *Server) initTelemetry(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		return err
	}
	s.telemetry = providers
	return nil
}

// initProviders 注册配置了 api_key 的 Provider；默认 Provider 缺失时按需注册离线实现
func (s *Server) initProviders(context.Context) error {
	llmCfg := s.cfg.LLM
	registry := llm.NewProviderRegistry()

	if llmCfg.OpenAI.Enabled() {
		c := llmCfg.OpenAI
		c.Timeout = timeoutOr(c.Timeout, llmCfg.Timeout)
		registry.Register(openai.NewOpenAIProvider(c, s.logger))
	}
	if llmCfg.Mistral.Enabled() {
		c := llmCfg.Mistral
		c.Timeout = timeoutOr(c.Timeout, llmCfg.Timeout)
		registry.Register(mistral.NewMistralProvider(c, s.logger))
	}
	if llmCfg.Anthropic.Enabled() {
		c := llmCfg.Anthropic
		c.Timeout = timeoutOr(c.Timeout, llmCfg.Timeout)
		registry.Register(anthropic.NewClaudeProvider(c, s.logger))
	}
	if llmCfg.Google.Enabled() {
		c := llmCfg.Google
		c.Timeout = timeoutOr(c.Timeout, llmCfg.Timeout)
		registry.Register(gemini.NewGeminiProvider(c, s.logger))
	}

	if _, ok := registry.Get(llmCfg.DefaultProvider); !ok {
		if !llmCfg.OfflineFallback {
			s.logger.Warn("Default provider not configured, unresolvable models will fail",
				zap.String("provider", llmCfg.DefaultProvider))
		} else {
			registry.Register(offline.New(llmCfg.DefaultProvider, s.logger))
			s.logger.Warn("Default provider has no api_key, using offline fallback",
				zap.String("provider", llmCfg.DefaultProvider))
		}
	}

	s.orchestrator = llm.NewChatOrchestrator(registry, llm.OrchestratorOptions{
		DefaultProvider: llmCfg.DefaultProvider,
		Metrics:         s.collector,
		Logger:          s.logger,
	})

	s.logger.Info("Providers registered", zap.Strings("providers", registry.List()))
	return nil
}

func timeoutOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// initLedger 按 ledger.backend 打开账本后端
func (s *Server) initLedger(ctx context.Context) error {
	var l ledger.Ledger

	switch s.cfg.Ledger.Backend {
	case config.LedgerMongoDB:
		m, err := ledger.NewMongoLedger(ctx, s.cfg.MongoDB, s.logger)
		if err != nil {
			return err
		}
		s.mongo = m
		l = m
	case config.LedgerSQL:
		if s.cfg.Database.AutoMigrate {
			if err := migrateUp(ctx, s.cfg.Database, s.logger); err != nil {
				return err
			}
		}
		pool, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		s.pool = pool
		pool.StartHealthCheck(s.collector)
		sqlLedger, err := ledger.NewSQLLedger(pool.DB(), s.logger)
		if err != nil {
			return err
		}
		l = sqlLedger
	default:
		s.logger.Warn("Using in-memory ledger, records are lost on restart")
		l = ledger.NewMemoryLedger()
	}

	s.ledger = ledger.Instrument(l, s.collector)
	s.logger.Info("Ledger initialized", zap.String("backend", s.cfg.Ledger.Backend))
	return nil
}

// initCache Redis 可选：未配置时模型目录直连 Provider
func (s *Server) initCache(ctx context.Context) error {
	if !s.cfg.RedisEnabled() {
		s.logger.Info("Redis not configured, caching disabled")
		return nil
	}
	m, err := cache.NewManager(ctx, s.cfg.Redis, s.logger)
	if err != nil {
		return err
	}
	m.SetObserver(s.collector)
	s.cacheManager = m
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers(context.Context) error {
	maxBody := s.cfg.Server.MaxBodyBytes

	// 转发管道
	upstream := proxy.NewUpstream(s.cfg.Proxy.Config, s.logger)
	if !upstream.IsConfigured() {
		s.logger.Info("Proxy upstream api_key not configured, proxy endpoints return 503")
	}
	pipeline := proxy.NewPipeline(upstream, s.ledger, s.collector, s.logger)
	s.proxyHandler = handlers.NewProxyHandler(pipeline, maxBody, s.logger)

	// 幂等
	var guard *idempotency.Guard
	if s.cfg.Idempotency.Enabled {
		var store idempotency.Store
		if s.cacheManager != nil {
			store = idempotency.NewRedisStore(s.cacheManager.Client(), s.cfg.Idempotency.Prefix, s.logger)
		} else {
			s.memStore = idempotency.NewMemoryStore(time.Minute)
			store = s.memStore
		}
		guard = idempotency.NewGuard(store, s.cfg.Idempotency.TTL, s.logger)
	}

	s.chatHandler = handlers.NewChatHandler(s.orchestrator, s.ledger, handlers.ChatHandlerOptions{
		Idempotency:  guard,
		Proxy:        s.proxyHandler,
		ChatViaProxy: s.cfg.Proxy.ChatViaProxy,
		MaxBodyBytes: maxBody,
	}, s.logger)

	// 嵌入
	embCfg := s.cfg.Embeddings
	mode := embedding.Mode(embCfg.Mode)
	var batch *embedding.BatchClient
	if mode == embedding.ModeBatch {
		apiKey, baseURL := embCfg.BatchAPIKey, embCfg.BatchBaseURL
		if apiKey == "" {
			apiKey = s.cfg.LLM.OpenAI.APIKey
		}
		if baseURL == "" {
			baseURL = s.cfg.LLM.OpenAI.BaseURL
		}
		if apiKey == "" {
			s.logger.Warn("Batch embeddings without OpenAI credentials, offline vectors will be returned")
		} else {
			batch = embedding.NewBatchClient(embedding.BatchConfig{
				APIKey:       apiKey,
				BaseURL:      baseURL,
				Timeout:      embCfg.BatchTimeout,
				PollInterval: embCfg.BatchPollInterval,
				MaxPoll:      embCfg.BatchMaxPoll,
			}, s.logger)
		}
	}
	service := embedding.NewService(mode, s.orchestrator, batch, s.logger)
	s.embeddingsHandler = handlers.NewEmbeddingsHandler(service, s.orchestrator, s.ledger, embCfg.DefaultModel, maxBody, s.logger)

	// 模型目录
	s.modelsHandler = handlers.NewModelsHandler(
		cache.NewModelCatalog(s.orchestrator, s.cacheManager, s.cfg.LLM.ModelCacheTTL), s.logger)

	// 健康检查
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}
	if s.pool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}
	if s.mongo != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("mongodb", s.mongo.Ping))
	}
	for _, p := range s.orchestrator.Registry().Providers() {
		if hc, ok := p.(llm.HealthChecker); ok {
			s.healthHandler.RegisterCheck(handlers.NewProviderHealthCheck(p.Name(), hc))
		}
	}

	s.logger.Info("Handlers initialized",
		zap.String("embeddings_mode", string(service.Mode())),
		zap.Bool("idempotency", guard != nil),
		zap.Bool("chat_via_proxy", s.cfg.Proxy.ChatViaProxy),
	)
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册所有路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("POST /v1/proxy/chat/completions", s.proxyHandler.HandleChatCompletions)
	mux.HandleFunc("POST /v1/responses", s.proxyHandler.HandleResponses)
	mux.HandleFunc("POST /v1/embeddings", s.embeddingsHandler.HandleEmbeddings)
	mux.HandleFunc("GET /v1/models", s.modelsHandler.HandleList)
	mux.HandleFunc("GET /v1/models/{id...}", s.modelsHandler.HandleGet)

	return mux
}

// handler 构建带中间件链的根 handler
func (s *Server) handler(ctx context.Context) http.Handler {
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, Auth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	return Chain(s.routes(), middlewares...)
}

// Start 启动 HTTP 与 Metrics 服务器（非阻塞）
func (s *Server) Start() error {
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	s.httpManager = server.NewManager(s.handler(rateLimiterCtx), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsManager = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     s.cfg.Server.ReadTimeout,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// Wait 阻塞直到 ctx 结束（收到信号）或 HTTP 服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	if s.httpManager == nil {
		<-ctx.Done()
		return nil
	}
	return s.httpManager.Wait(ctx)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 先停止接收请求，再关闭后端连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.memStore != nil {
		s.memStore.Close()
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool close error", zap.Error(err))
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Close(ctx); err != nil {
			s.logger.Error("MongoDB close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// migrateUp 在打开账本连接池之前应用 llm_requests 的 Schema 迁移
func migrateUp(ctx context.Context, cfg database.Config, logger *zap.Logger) error {
	m, err := migration.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if err := m.Up(ctx); err != nil {
		return err
	}
	version, _, err := m.Version(ctx)
	if err != nil {
		return err
	}
	logger.Info("ledger schema migrated", zap.Uint("version", version))
	return nil
}
