package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
)

// DefaultBaseURL 是默认的聚合上游（OpenRouter）
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// ErrNotConfigured 上游未配置 API Key
var ErrNotConfigured = errors.New("OpenRouter client not configured")

// Config 上游聚合服务配置
type Config struct {
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	SiteURL        string        `yaml:"site_url" env:"SITE_URL"`
	AppName        string        `yaml:"app_name" env:"APP_NAME"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// Sender 是 Pipeline 依赖的上游发送接口
type Sender interface {
	IsConfigured() bool
	Send(ctx context.Context, endpoint string, body []byte, stream bool) (*http.Response, error)
}

// Upstream 是 OpenRouter 风格聚合服务的 HTTP 客户端。
// 只限制连接建立时间，不设读超时：流的生命周期由请求 ctx 决定。
type Upstream struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewUpstream 创建上游客户端
func NewUpstream(cfg Config, logger *zap.Logger) *Upstream {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Upstream{
		cfg:    cfg,
		client: tlsutil.StreamingHTTPClient(cfg.ConnectTimeout),
		logger: logger.With(zap.String("component", "proxy_upstream")),
	}
}

// IsConfigured 报告是否配置了 API Key
func (u *Upstream) IsConfigured() bool {
	return u.cfg.APIKey != ""
}

// Send POST 原始请求体到 endpoint（相对 BaseURL）。
// 调用方负责关闭响应体。
func (u *Upstream) Send(ctx context.Context, endpoint string, body []byte, stream bool) (*http.Response, error) {
	if !u.IsConfigured() {
		return nil, ErrNotConfigured
	}
	url := strings.TrimRight(u.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", u.cfg.SiteURL)
	}
	if u.cfg.AppName != "" {
		req.Header.Set("X-Title", u.cfg.AppName)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return u.client.Do(req)
}
