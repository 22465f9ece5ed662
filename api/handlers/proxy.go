package handlers

import (
	"net/http"

	"github.com/BaSui01/llmgateway/proxy"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

const (
	responsesOperation = "responses"
	responsesEndpoint  = "/responses"
)

// =============================================================================
// 🔀 转发接口 Handler
// =============================================================================

// ProxyHandler 把请求体原样交给 proxy.Pipeline。
// 响应（包括错误）由 Pipeline 写出，这里只负责读取请求体与记录结果。
type ProxyHandler struct {
	pipeline *proxy.Pipeline
	maxBody  int64
	logger   *zap.Logger
}

// NewProxyHandler 创建转发处理器
func NewProxyHandler(pipeline *proxy.Pipeline, maxBodyBytes int64, logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{
		pipeline: pipeline,
		maxBody:  maxBodyBytes,
		logger:   logger.With(zap.String("component", "proxy_handler")),
	}
}

// HandleChatCompletions 处理 /v1/proxy/chat/completions
func (h *ProxyHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, chatOperation, chatEndpoint)
}

// HandleResponses 处理 /v1/responses，转发到上游 /responses
func (h *ProxyHandler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, responsesOperation, responsesEndpoint)
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, operation, endpoint string) {
	body, rerr := ReadBody(w, r, h.maxBody)
	if rerr != nil {
		WriteError(w, rerr, h.logger)
		return
	}

	jobID, err := h.pipeline.Dispatch(r.Context(), w, proxy.Inbound{
		UserID:    principal(r),
		Operation: operation,
		Endpoint:  endpoint,
		Body:      body,
	})
	if err == nil {
		return
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("job_id", jobID),
		zap.Error(err),
	}
	// 客户端断开与上游 4xx 属于预期内的结果
	if e, ok := types.AsError(err); ok && (e.Code == types.ErrStreamTeardown || StatusFor(e) < http.StatusInternalServerError) {
		h.logger.Debug("proxy request ended", fields...)
		return
	}
	h.logger.Warn("proxy request failed", fields...)
}
