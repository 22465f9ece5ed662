package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmgateway/llm"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 一个就绪依赖（Redis、SQL、MongoDB、上游 Provider）
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy | unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status  string `json:"status"` // pass | fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: 5 * time.Second,
	}
}

func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

// HandleHealth 进程存活即 200，不触碰任何依赖
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleHealthz Kubernetes liveness 探针，同 HandleHealth
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealth(w, r)
}

// HandleReady 并发执行所有检查，共用一个超时；任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := h.runChecks(r.Context(), checks)

	status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: results}
	code := http.StatusOK
	for _, res := range results {
		if res.Status != "pass" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) runChecks(ctx context.Context, checks []HealthCheck) map[string]CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	// 检查失败不取消其他检查，所以不用 WithContext
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)
			latency := time.Since(start)

			results[i] = CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
				h.logger.Warn("health check failed",
					zap.String("check", c.Name()),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		out[c.Name()] = results[i]
	}
	return out
}

// HandleVersion 返回构建信息，值在启动时固定
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := VersionInfo{Version: version, BuildTime: buildTime, GitCommit: gitCommit}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// =============================================================================
// 🔧 检查实现
// =============================================================================

// PingCheck 把任意 Ping(ctx) 方法包成 HealthCheck
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string                    { return c.name }
func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

var errProviderUnhealthy = errors.New("provider reported unhealthy")

// ProviderHealthCheck 探测实现了 llm.HealthChecker 的 Provider，名称为 provider:<name>
type ProviderHealthCheck struct {
	name    string
	checker llm.HealthChecker
}

func NewProviderHealthCheck(name string, checker llm.HealthChecker) *ProviderHealthCheck {
	return &ProviderHealthCheck{name: "provider:" + name, checker: checker}
}

func (c *ProviderHealthCheck) Name() string { return c.name }

func (c *ProviderHealthCheck) Check(ctx context.Context) error {
	st, err := c.checker.HealthCheck(ctx)
	switch {
	case err != nil:
		return err
	case st != nil && !st.Healthy:
		return errProviderUnhealthy
	}
	return nil
}
