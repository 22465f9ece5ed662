package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/idempotency"
	"github.com/BaSui01/llmgateway/llm/streaming"
	"github.com/BaSui01/llmgateway/proxy"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

const (
	chatOperation = "chat.completions"
	chatEndpoint  = "/chat/completions"

	// JobIDHeader 携带账本 job_id 的响应头
	JobIDHeader = "X-Job-Id"
	// ReplayHeader 标记幂等重放的响应
	ReplayHeader = "Idempotent-Replayed"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandlerOptions 聊天处理器的可选依赖
type ChatHandlerOptions struct {
	// Idempotency 为 nil 时不处理 Idempotency-Key
	Idempotency *idempotency.Guard
	// Proxy 与 ChatViaProxy 同时设置时，聊天请求走转发路径
	Proxy        *ProxyHandler
	ChatViaProxy bool
	MaxBodyBytes int64
}

// ChatHandler 处理 /v1/chat/completions。
// 原生路径经 ChatOrchestrator 调用 Provider，流式输出由 Transcoder 编码为 SSE；
// 每个请求在账本中恰好有一条记录。
type ChatHandler struct {
	orchestrator *llm.ChatOrchestrator
	ledger       ledger.Ledger
	opts         ChatHandlerOptions
	logger       *zap.Logger
	now          func() time.Time
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(orchestrator *llm.ChatOrchestrator, l ledger.Ledger, opts ChatHandlerOptions, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		orchestrator: orchestrator,
		ledger:       l,
		opts:         opts,
		logger:       logger.With(zap.String("component", "chat_handler")),
		now:          time.Now,
	}
}

// HandleCompletion 处理聊天补全请求（stream=false 返回 chat.completion，stream=true 返回 SSE）
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if h.opts.ChatViaProxy && h.opts.Proxy != nil {
		h.opts.Proxy.forward(w, r, chatOperation, chatEndpoint)
		return
	}

	body, rerr := ReadBody(w, r, h.opts.MaxBodyBytes)
	if rerr != nil {
		WriteError(w, rerr, h.logger)
		return
	}

	var req llm.ChatRequest
	if derr := DecodeJSON(body, &req); derr != nil {
		WriteError(w, derr, h.logger)
		return
	}
	if verr := validateChatRequest(&req); verr != nil {
		WriteError(w, verr, h.logger)
		return
	}
	req.UserID = principal(r)

	p, model, err := h.orchestrator.ResolveProvider(req.Model)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}

	if req.Stream {
		h.handleStream(w, r, &req, body, p.Name(), model)
		return
	}
	h.handleBuffered(w, r, &req, body, p.Name(), model)
}

// validateChatRequest 校验消息列表；model 为空时交由默认 Provider 处理
func validateChatRequest(req *llm.ChatRequest) *types.Error {
	if len(req.Messages) == 0 {
		return llm.NewInvalidPayloadError("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return llm.NewInvalidPayloadError(fmt.Sprintf("messages[%d].role %q is invalid", i, m.Role))
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return llm.NewInvalidPayloadError("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return llm.NewInvalidPayloadError("top_p must be between 0 and 1")
	}
	if req.MaxTokens < 0 {
		return llm.NewInvalidPayloadError("max_tokens must not be negative")
	}
	for i, t := range req.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return llm.NewInvalidPayloadError(fmt.Sprintf("tools[%d].function.name must not be empty", i))
		}
	}
	return nil
}

func (h *ChatHandler) begin(ctx context.Context, req *llm.ChatRequest, body []byte, provider, model string) (*ledger.Job, error) {
	count := len(req.Messages)
	return ledger.Begin(ctx, h.ledger, &ledger.Record{
		UserID:        req.UserID,
		Provider:      provider,
		Operation:     chatOperation,
		Endpoint:      chatEndpoint,
		Model:         model,
		Stream:        req.Stream,
		RequestHash:   proxy.Fingerprint(body),
		RequestBytes:  len(body),
		MessagesCount: &count,
	}, h.logger)
}

// =============================================================================
// 🎯 非流式
// =============================================================================

func (h *ChatHandler) handleBuffered(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest, body []byte, provider, model string) {
	ctx := r.Context()
	idemKey := strings.TrimSpace(r.Header.Get(idempotency.HeaderName))

	if h.opts.Idempotency != nil && idemKey != "" {
		cached, ok, err := h.opts.Idempotency.Lookup(ctx, req.UserID, idemKey, body)
		if err != nil {
			WriteErrorFrom(w, err, h.logger)
			return
		}
		if ok {
			w.Header().Set(ReplayHeader, "true")
			WriteJSON(w, http.StatusOK, cached)
			return
		}
	}

	job, err := h.begin(ctx, req, body, provider, model)
	if err != nil {
		h.logger.Error("failed to record request", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to record request", h.logger)
		return
	}
	w.Header().Set(JobIDHeader, job.ID())
	log := h.logger.With(zap.String("job_id", job.ID()), zap.String("provider", provider), zap.String("model", model))

	start := h.now()
	resp, err := h.orchestrator.Complete(ctx, req)
	latency := h.now().Sub(start)
	if err != nil {
		apiErr := types.WrapError(err, types.ErrUpstreamUnavailable, "upstream request failed")
		_ = job.Finish(ctx, ledger.Update{
			StatusCode: StatusFor(apiErr),
			Latency:    latency,
			Error:      ledger.StringPtr(apiErr.Message),
		})
		WriteError(w, apiErr, log)
		return
	}

	// 先编码再落账，编码失败按 500 记录
	payload, err := json.Marshal(resp)
	if err != nil {
		_ = job.Finish(ctx, ledger.Update{
			StatusCode: http.StatusInternalServerError,
			Latency:    latency,
			Error:      ledger.StringPtr("failed to encode response: " + err.Error()),
		})
		log.Error("failed to encode completion", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to encode response", log)
		return
	}

	u := ledger.Update{
		StatusCode: http.StatusOK,
		Latency:    latency,
		Usage: map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
		ProviderResponseID: ledger.StringPtr(resp.ID),
	}
	if len(resp.Choices) > 0 {
		u.FinishReason = ledger.StringPtr(resp.Choices[0].FinishReason)
	}
	_ = job.Finish(ctx, u)

	if h.opts.Idempotency != nil {
		h.opts.Idempotency.Remember(ctx, req.UserID, idemKey, body, resp)
	}

	log.Info("chat completion",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", latency))
	writeJSONBytes(w, http.StatusOK, payload)
}

// =============================================================================
// 🌊 流式
// =============================================================================

// finishTracker 记录流中最后一个非空 finish_reason
type finishTracker struct {
	mu     sync.Mutex
	reason string
}

func (f *finishTracker) observe(r string) {
	if r == "" {
		return
	}
	f.mu.Lock()
	f.reason = r
	f.mu.Unlock()
}

func (f *finishTracker) get() *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reason == "" {
		return nil
	}
	r := f.reason
	return &r
}

func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest, body []byte, provider, model string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	job, err := h.begin(ctx, req, body, provider, model)
	if err != nil {
		h.logger.Error("failed to record request", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to record request", h.logger)
		return
	}
	log := h.logger.With(zap.String("job_id", job.ID()), zap.String("provider", provider), zap.String("model", model))

	start := h.now()
	items, err := h.orchestrator.Stream(ctx, req, job.ID())
	if err != nil {
		apiErr := types.WrapError(err, types.ErrUpstreamUnavailable, "upstream request failed")
		_ = job.Finish(ctx, ledger.Update{
			StatusCode: StatusFor(apiErr),
			Latency:    h.now().Sub(start),
			Error:      ledger.StringPtr(apiErr.Message),
		})
		WriteError(w, apiErr, log)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(JobIDHeader, job.ID())
	w.WriteHeader(http.StatusOK)

	// 转发的同时记录 finish_reason；tee 退出后才读取结果
	var finish finishTracker
	tee := make(chan llm.StreamItem)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(tee)
		for item := range items {
			finish.observe(item.FinishReason)
			select {
			case tee <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	tc := streaming.NewTranscoder(w, flusherOf(w), model)
	terr := tc.Transcode(ctx, tee)
	clientGone := r.Context().Err() != nil
	cancel()
	<-done

	u := ledger.Update{
		StatusCode:         http.StatusOK,
		Latency:            h.now().Sub(start),
		ProviderResponseID: ledger.StringPtr(tc.ID()),
		FinishReason:       finish.get(),
	}
	switch {
	case terr == nil:
	case clientGone:
		u.StatusCode = llm.StatusClientClosedRequest
		u.Error = ledger.StringPtr("client disconnected")
	default:
		u.Error = ledger.StringPtr(streamErrorMessage(terr))
	}
	_ = job.Finish(ctx, u)

	if terr != nil {
		log.Warn("stream ended early", zap.Bool("client_gone", clientGone), zap.Error(terr))
		return
	}
	log.Debug("stream completed", zap.Duration("duration", u.Latency))
}

func streamErrorMessage(err error) string {
	if e, ok := types.AsError(err); ok {
		if e.Cause != nil {
			var inner *types.Error
			if errors.As(e.Cause, &inner) {
				return inner.Message
			}
			return e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}
