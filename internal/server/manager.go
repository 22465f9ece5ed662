package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// ErrServerClosed Shutdown 之后再次 Start
var ErrServerClosed = errors.New("server is closed")

// Config 单个监听端口的参数。
// WriteTimeout 会截断 SSE 流，API 端口必须保持 0。
type Config struct {
	Name            string // api / metrics，只出现在日志里
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:            "api",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
	}
}

type lifecycle int

const (
	idle lifecycle = iota
	running
	closed
)

// Manager 把 http.Server 包成 Start / Wait / Shutdown 三段式
type Manager struct {
	cfg    Config
	srv    *http.Server
	logger *zap.Logger

	mu    sync.RWMutex
	state lifecycle
	ln    net.Listener

	// Serve 非正常退出时写入一次
	failed chan error
}

func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg: cfg,
		srv: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", cfg.Name)),
		failed: make(chan error, 1),
	}
}

// Start 同步完成 Listen，随后在后台 Serve。
// 端口占用等错误因此能在启动阶段直接返回。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case closed:
		return ErrServerClosed
	case running:
		return fmt.Errorf("%s server already started", m.cfg.Name)
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.ln, m.state = ln, running
	m.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))

	go func() {
		err := m.srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.failed <- err:
		default:
		}
	}()
	return nil
}

// Shutdown 停止接收新连接并等待在途请求（含流）结束，最长 ShutdownTimeout。
// 可重复调用。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == closed {
		return nil
	}
	wasRunning := m.state == running
	m.state = closed
	if !wasRunning {
		return nil
	}

	if d := m.cfg.ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	m.logger.Info("shutting down HTTP server")
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("HTTP server stopped")
	return nil
}

// Wait 阻塞到 ctx 结束（返回 nil）或 Serve 异常退出（返回该错误）
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-m.failed:
		return err
	}
}

// Addr 启动后返回实际监听地址（端口 0 时有用）
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ln == nil {
		return m.cfg.Addr
	}
	return m.ln.Addr().String()
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == running
}
