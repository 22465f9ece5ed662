// =============================================================================
// llmgateway 主入口
// =============================================================================
// OpenAI 兼容的 LLM 网关：HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	llmgateway serve                       # 启动服务
//	llmgateway serve --config config.yaml  # 指定配置文件
//	llmgateway migrate up                  # 执行账本 Schema 迁移
//	llmgateway version                     # 显示版本信息
//	llmgateway health                      # 健康检查
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/llmgateway/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 子命令分发
// =============================================================================

type command struct {
	name    string
	summary string
	run     func(args []string) int
}

func commands() []command {
	return []command{
		{"serve", "Start the gateway", runServe},
		{"migrate", "Manage the SQL ledger schema (see 'llmgateway migrate help')", runMigrate},
		{"version", "Show version information", func([]string) int { printVersion(); return 0 }},
		{"health", "Check server health", runHealthCheck},
		{"help", "Show this help message", func([]string) int { printUsage(); return 0 }},
	}
}

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}
	name := args[0]
	if name == "-h" || name == "--help" {
		name = "help"
	}
	for _, c := range commands() {
		if c.name == name {
			return c.run(args[1:])
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
	printUsage()
	return 1
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() })
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting llmgateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	if keys := loader.Overrides(); len(keys) > 0 {
		logger.Info("config overridden by environment", zap.Strings("keys", keys))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize server", zap.Error(err))
		return 1
	}

	if err := srv.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		srv.Shutdown()
		return 1
	}

	code := 0
	if err := srv.Wait(ctx); err != nil {
		logger.Error("Server stopped unexpectedly", zap.Error(err))
		code = 1
	}
	srv.Shutdown()

	logger.Info("llmgateway stopped")
	return code
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/health", "Endpoint to probe (/health or /ready)")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("OK")
	return 0
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("llmgateway %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	var b strings.Builder
	b.WriteString("llmgateway - OpenAI-compatible LLM gateway\n\nUsage:\n  llmgateway <command> [options]\n\nCommands:\n")
	for _, c := range commands() {
		fmt.Fprintf(&b, "  %-9s %s\n", c.name, c.summary)
	}
	b.WriteString(`
Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'health':
  --addr <url>      Server address (default http://localhost:8080)
  --path <path>     Endpoint to probe (default /health)

Environment variables prefixed with LLMGATEWAY_ override the file,
e.g. LLMGATEWAY_SERVER_HTTP_PORT=9000 or LLMGATEWAY_LLM_OPENAI_API_KEY=sk-...
`)
	fmt.Print(b.String())
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 按配置构建 zap logger；console 格式带颜色，json 格式使用 ISO8601 时间戳
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	} else {
		zc.OutputPaths = []string{"stdout"}
	}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace
	zc.Sampling = nil

	logger, err := zc.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
