// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

var (
	sizeBuckets    = prometheus.ExponentialBuckets(100, 10, 8)
	upstreamBucket = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}
)

// Collector 网关的 Prometheus 指标。
// 同时满足 llm.MetricsRecorder、ledger、cache 与 database 各自声明的小接口。
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	ledgerWrites *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
}

// vecFactory 给所有指标套上同一个 namespace
type vecFactory struct {
	f  promauto.Factory
	ns string
}

func (v vecFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return v.f.NewCounterVec(prometheus.CounterOpts{Namespace: v.ns, Name: name, Help: help}, labels)
}

func (v vecFactory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return v.f.NewHistogramVec(prometheus.HistogramOpts{Namespace: v.ns, Name: name, Help: help, Buckets: buckets}, labels)
}

func (v vecFactory) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return v.f.NewGaugeVec(prometheus.GaugeOpts{Namespace: v.ns, Name: name, Help: help}, labels)
}

// NewCollector 注册全部指标；reg 为 nil 时用 prometheus.DefaultRegisterer。
// 同一 registry 重复注册会 panic。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	v := vecFactory{f: promauto.With(reg), ns: namespace}

	c := &Collector{
		httpRequestsTotal:   v.counter("http_requests_total", "HTTP requests by route and status class", "method", "path", "status"),
		httpRequestDuration: v.histogram("http_request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path"),
		httpRequestSize:     v.histogram("http_request_size_bytes", "HTTP request body size", sizeBuckets, "method", "path"),
		httpResponseSize:    v.histogram("http_response_size_bytes", "HTTP response body size", sizeBuckets, "method", "path"),

		llmRequestsTotal:   v.counter("llm_requests_total", "Upstream completion calls by provider and outcome", "provider", "model", "status"),
		llmRequestDuration: v.histogram("llm_request_duration_seconds", "Upstream completion latency", upstreamBucket, "provider", "model"),
		// type: prompt | completion
		llmTokensUsed: v.counter("llm_tokens_used_total", "Tokens reported by upstream usage blocks", "provider", "model", "type"),

		// operation: log | update
		ledgerWrites: v.counter("ledger_writes_total", "Request ledger writes by operation and result", "operation", "result"),

		cacheHits:   v.counter("cache_hits_total", "Redis cache hits", "cache_type"),
		cacheMisses: v.counter("cache_misses_total", "Redis cache misses", "cache_type"),

		dbConnectionsOpen: v.gauge("db_connections_open", "Open SQL ledger connections", "database"),
		dbConnectionsIdle: v.gauge("db_connections_idle", "Idle SQL ledger connections", "database"),
	}

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}
	return c
}

// RecordHTTPRequest 由 MetricsMiddleware 调用；请求体为空时不计入 size 直方图
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if requestSize > 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	for kind, n := range map[string]int{"prompt": promptTokens, "completion": completionTokens} {
		if n > 0 {
			c.llmTokensUsed.WithLabelValues(provider, model, kind).Add(float64(n))
		}
	}
}

func (c *Collector) RecordLedgerWrite(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ledgerWrites.WithLabelValues(operation, result).Inc()
}

func (c *Collector) RecordCacheHit(cacheType string)  { c.cacheHits.WithLabelValues(cacheType).Inc() }
func (c *Collector) RecordCacheMiss(cacheType string) { c.cacheMisses.WithLabelValues(cacheType).Inc() }

func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusClass 200 → "2xx"；范围外返回 "unknown"
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
