package handlers

import (
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/internal/cache"
	"github.com/BaSui01/llmgateway/llm"
	"go.uber.org/zap"
)

// ModelsHandler 处理 /v1/models 与 /v1/models/{id}
type ModelsHandler struct {
	catalog cache.ModelLister
	logger  *zap.Logger
}

// NewModelsHandler 创建模型目录处理器
func NewModelsHandler(catalog cache.ModelLister, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{
		catalog: catalog,
		logger:  logger.With(zap.String("component", "models_handler")),
	}
}

// HandleList 返回所有 Provider 的模型卡片
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	models, err := h.catalog.ListModels(r.Context())
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	if models == nil {
		models = []llm.Model{}
	}
	WriteJSON(w, http.StatusOK, ListResponse[llm.Model]{Object: "list", Data: models})
}

// HandleGet 返回单个模型卡片。id 可以带 provider 前缀，如 openai/gpt-4o。
func (h *ModelsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, llm.NewInvalidPayloadError("model id is required"), h.logger)
		return
	}
	m, err := h.catalog.GetModel(r.Context(), id)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}
