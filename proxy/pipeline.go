package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/streaming"
	"github.com/BaSui01/llmgateway/types"
)

// ProviderName 写入账本的 provider 字段
const ProviderName = "openrouter"

// Inbound 是一次待转发的外部请求
type Inbound struct {
	UserID    string
	Operation string // e.g. "chat.completions", "responses"
	Endpoint  string // 相对上游 BaseURL 的路径
	Body      []byte
}

// Pipeline 把调用方的 JSON 请求体原样转发给上游聚合服务，
// 并在分发前后各写一次账本。
type Pipeline struct {
	upstream Sender
	ledger   ledger.Ledger
	metrics  llm.MetricsRecorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPipeline 创建转发管道。metrics 可以为 nil。
func NewPipeline(upstream Sender, l ledger.Ledger, metrics llm.MetricsRecorder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		upstream: upstream,
		ledger:   l,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "proxy_pipeline")),
		tracer:   otel.Tracer("llmgateway/proxy"),
		now:      time.Now,
	}
}

type payloadMeta struct {
	raw          []byte
	hash         *string
	requestBytes int
	payload      map[string]any
}

// readPayload 解析请求体；空请求体与非对象 JSON 一样视为无效请求
func readPayload(in Inbound) (*payloadMeta, *types.Error) {
	meta := &payloadMeta{
		raw:          in.Body,
		hash:         Fingerprint(in.Body),
		requestBytes: len(in.Body),
	}

	if len(bytes.TrimSpace(in.Body)) == 0 {
		return nil, llm.NewInvalidPayloadError("Invalid request body")
	}

	var decoded any
	if err := json.Unmarshal(in.Body, &decoded); err != nil {
		return nil, llm.NewInvalidPayloadError("Invalid JSON body")
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, llm.NewInvalidPayloadError("Invalid request body")
	}
	meta.payload = obj
	return meta, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// relayVerbatim 原样返回上游的状态码、内容类型与响应体
func relayVerbatim(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Dispatch 执行一次完整的转发生命周期，并总是自己写出响应。
// 返回 job_id（未写账本时为空）与需要记录的错误；错误不代表响应未写出。
func (p *Pipeline) Dispatch(ctx context.Context, w http.ResponseWriter, in Inbound) (string, error) {
	if !p.upstream.IsConfigured() {
		writeJSONError(w, http.StatusServiceUnavailable, ErrNotConfigured.Error())
		return "", llm.NewUpstreamUnavailableError(ProviderName, ErrNotConfigured).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	meta, perr := readPayload(in)
	if perr != nil {
		writeJSONError(w, perr.HTTPStatus, perr.Message)
		return "", perr
	}

	model, _ := meta.payload["model"].(string)
	stream := truthy(meta.payload["stream"])

	ctx, span := p.tracer.Start(ctx, "proxy.dispatch", trace.WithAttributes(
		attribute.String("llm.operation", in.Operation),
		attribute.String("llm.model", model),
		attribute.Bool("llm.stream", stream),
	))
	defer span.End()

	job, err := ledger.Begin(ctx, p.ledger, &ledger.Record{
		UserID:        in.UserID,
		Provider:      ProviderName,
		Operation:     in.Operation,
		Endpoint:      in.Endpoint,
		Model:         model,
		Stream:        stream,
		RequestHash:   meta.hash,
		RequestBytes:  meta.requestBytes,
		MessagesCount: countOf(meta.payload["messages"]),
		InputCount:    countOf(meta.payload["input"]),
	}, p.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		p.logger.Error("failed to record request", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to record request")
		return "", err
	}
	span.SetAttributes(attribute.String("llm.job_id", job.ID()))

	log := p.logger.With(
		zap.String("job_id", job.ID()),
		zap.String("operation", in.Operation),
		zap.String("model", model),
		zap.Bool("stream", stream),
	)

	if stream {
		err = p.handleStream(ctx, w, in, meta, job, model, log)
	} else {
		err = p.handleBuffered(ctx, w, in, meta, job, model, log)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return job.ID(), err
}

func (p *Pipeline) record(model, status string, latency time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordLLMRequest(ProviderName, model, status, latency, 0, 0)
	}
}

// transportFailure 处理未收到任何上游字节的连接失败：记录 502 并返回 502
func (p *Pipeline) transportFailure(ctx context.Context, w http.ResponseWriter, job *ledger.Job, model string, start time.Time, cause error, log *zap.Logger) error {
	latency := p.now().Sub(start)
	msg := cause.Error()
	log.Warn("upstream transport failure", zap.Error(cause))
	_ = job.Finish(ctx, ledger.Update{
		StatusCode: http.StatusBadGateway,
		Latency:    latency,
		Error:      &msg,
	})
	p.record(model, "error", latency)
	writeJSONError(w, http.StatusBadGateway, msg)
	return llm.NewUpstreamUnavailableError(ProviderName, cause)
}

// upstreamFailure 处理上游 ≥400：记录状态与原始错误体，原样返回
func (p *Pipeline) upstreamFailure(ctx context.Context, w http.ResponseWriter, job *ledger.Job, model string, start time.Time, resp *http.Response, body []byte, log *zap.Logger) error {
	latency := p.now().Sub(start)
	text := string(body)
	log.Info("upstream returned error status", zap.Int("status_code", resp.StatusCode))
	_ = job.Finish(ctx, ledger.Update{
		StatusCode: resp.StatusCode,
		Latency:    latency,
		Error:      &text,
	})
	p.record(model, "error", latency)
	relayVerbatim(w, resp.StatusCode, resp.Header.Get("Content-Type"), body)
	return nil
}

func (p *Pipeline) handleBuffered(ctx context.Context, w http.ResponseWriter, in Inbound, meta *payloadMeta, job *ledger.Job, model string, log *zap.Logger) error {
	start := p.now()
	resp, err := p.upstream.Send(ctx, in.Endpoint, meta.raw, false)
	if err != nil {
		return p.transportFailure(ctx, w, job, model, start, err, log)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.transportFailure(ctx, w, job, model, start, err, log)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return p.upstreamFailure(ctx, w, job, model, start, resp, body, log)
	}

	latency := p.now().Sub(start)
	contentType := resp.Header.Get("Content-Type")
	usage, responseID, finishReason := ExtractUsage(contentType, body)
	_ = job.Finish(ctx, ledger.Update{
		StatusCode:         resp.StatusCode,
		Latency:            latency,
		Usage:              usage,
		ProviderResponseID: responseID,
		FinishReason:       finishReason,
	})
	p.record(model, "success", latency)
	log.Debug("proxied buffered request",
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("latency", latency))

	relayVerbatim(w, resp.StatusCode, contentType, body)
	return nil
}

// handleStream 逐块转发上游 SSE 字节，不解析内容；
// usage / provider_response_id / finish_reason 在这条路径上保持 null。
func (p *Pipeline) handleStream(ctx context.Context, w http.ResponseWriter, in Inbound, meta *payloadMeta, job *ledger.Job, model string, log *zap.Logger) error {
	start := p.now()
	resp, err := p.upstream.Send(ctx, in.Endpoint, meta.raw, true)
	if err != nil {
		return p.transportFailure(ctx, w, job, model, start, err, log)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return p.upstreamFailure(ctx, w, job, model, start, resp, body, log)
	}

	status := resp.StatusCode
	var relayErr error
	defer func() {
		resp.Body.Close()
		latency := p.now().Sub(start)
		update := ledger.Update{StatusCode: status, Latency: latency}
		outcome := "success"
		if relayErr != nil && !errors.Is(relayErr, context.Canceled) {
			msg := relayErr.Error()
			update.Error = &msg
			outcome = "error"
		} else if relayErr != nil {
			outcome = "cancelled"
		}
		_ = job.Finish(ctx, update)
		p.record(model, outcome, latency)
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
		flush()
	}

	n, err := streaming.Relay(ctx, w, flush, resp.Body)
	if err != nil {
		relayErr = err
		log.Warn("stream relay ended early", zap.Int64("bytes", n), zap.Error(err))
		return llm.NewStreamTeardownError(err)
	}
	log.Debug("proxied stream", zap.Int64("bytes", n))
	return nil
}
