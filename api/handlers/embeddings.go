package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/embedding"
	"github.com/BaSui01/llmgateway/proxy"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

const (
	embeddingsOperation = "embeddings"
	embeddingsEndpoint  = "/embeddings"
)

// =============================================================================
// 🧮 嵌入接口 Handler
// =============================================================================

// EmbeddingsRequest 是 /v1/embeddings 的请求体。input 可以是字符串或字符串数组。
type EmbeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// Inputs 解析 input 字段
func (r *EmbeddingsRequest) Inputs() ([]string, *types.Error) {
	raw := bytes.TrimSpace(r.Input)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, llm.NewInvalidPayloadError("input must not be empty")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, llm.NewInvalidPayloadError("input must be a string or an array of strings")
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, llm.NewInvalidPayloadError("input must be a string or an array of strings")
	}
	if len(list) == 0 {
		return nil, llm.NewInvalidPayloadError("input must not be empty")
	}
	return list, nil
}

// EmbeddingsHandler 处理 /v1/embeddings?format=dict|points|tuple
type EmbeddingsHandler struct {
	service      *embedding.Service
	resolver     *llm.ChatOrchestrator
	ledger       ledger.Ledger
	defaultModel string
	maxBody      int64
	logger       *zap.Logger
	now          func() time.Time
}

// NewEmbeddingsHandler 创建嵌入处理器。resolver 只用于确定账本中的 provider 名称。
func NewEmbeddingsHandler(service *embedding.Service, resolver *llm.ChatOrchestrator, l ledger.Ledger, defaultModel string, maxBodyBytes int64, logger *zap.Logger) *EmbeddingsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingsHandler{
		service:      service,
		resolver:     resolver,
		ledger:       l,
		defaultModel: defaultModel,
		maxBody:      maxBodyBytes,
		logger:       logger.With(zap.String("component", "embeddings_handler")),
		now:          time.Now,
	}
}

// HandleEmbeddings 生成嵌入。空输入在写账本和调用 Provider 之前返回 400。
func (h *EmbeddingsHandler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	format, ferr := embedding.ParseFormat(r.URL.Query().Get("format"))
	if ferr != nil {
		WriteErrorFrom(w, ferr, h.logger)
		return
	}

	body, rerr := ReadBody(w, r, h.maxBody)
	if rerr != nil {
		WriteError(w, rerr, h.logger)
		return
	}
	var req EmbeddingsRequest
	if derr := DecodeJSON(body, &req); derr != nil {
		WriteError(w, derr, h.logger)
		return
	}
	inputs, ierr := req.Inputs()
	if ierr != nil {
		WriteError(w, ierr, h.logger)
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	provider := h.providerFor(req.Model)
	count := len(inputs)
	ctx := r.Context()
	job, err := ledger.Begin(ctx, h.ledger, &ledger.Record{
		UserID:       principal(r),
		Provider:     provider,
		Operation:    embeddingsOperation,
		Endpoint:     embeddingsEndpoint,
		Model:        req.Model,
		RequestHash:  proxy.Fingerprint(body),
		RequestBytes: len(body),
		InputCount:   &count,
	}, h.logger)
	if err != nil {
		h.logger.Error("failed to record request", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to record request", h.logger)
		return
	}
	w.Header().Set(JobIDHeader, job.ID())

	start := h.now()
	vectors, err := h.service.Generate(ctx, embedding.Request{
		Model:  req.Model,
		Inputs: inputs,
		JobID:  job.ID(),
		Format: format,
	})
	latency := h.now().Sub(start)
	if err != nil {
		apiErr := types.WrapError(err, types.ErrUpstreamUnavailable, "embedding generation failed")
		_ = job.Finish(ctx, ledger.Update{
			StatusCode: StatusFor(apiErr),
			Latency:    latency,
			Error:      ledger.StringPtr(apiErr.Message),
		})
		WriteError(w, apiErr, h.logger.With(zap.String("job_id", job.ID())))
		return
	}

	_ = job.Finish(ctx, ledger.Update{
		StatusCode: http.StatusOK,
		Latency:    latency,
		Usage: map[string]any{
			"prompt_tokens": vectors.Usage.PromptTokens,
			"total_tokens":  vectors.Usage.TotalTokens,
		},
	})
	WriteJSON(w, http.StatusOK, vectors.Render(format))
}

func (h *EmbeddingsHandler) providerFor(model string) string {
	if h.service.Mode() == embedding.ModeBatch {
		return embedding.BatchProvider
	}
	if h.resolver == nil {
		return ""
	}
	p, _, err := h.resolver.ResolveProvider(model)
	if err != nil {
		return ""
	}
	return p.Name()
}
