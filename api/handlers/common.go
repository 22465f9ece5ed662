package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes 请求体默认上限
const DefaultMaxBodyBytes int64 = 10 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorResponse 网关错误响应：{"error":{"code","message","retryable"}}
type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ListResponse OpenAI 风格的列表对象
type ListResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// encodeFailureBody 响应体无法编码时的兜底错误信封
var encodeFailureBody = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failed to encode response","retryable":false}}`)

// WriteJSON 先完整编码再写响应头；编码失败时改写为 500
func WriteJSON(w http.ResponseWriter, status int, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		status, payload = http.StatusInternalServerError, encodeFailureBody
	}
	writeJSONBytes(w, status, payload)
}

func writeJSONBytes(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(append(payload, '\n'))
}

// WriteError 按 StatusFor 写出错误信封；5xx 记 error，其余记 warn
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := StatusFor(err)
	if logger != nil {
		logAPIError(logger, err, status)
	}
	WriteJSON(w, status, ErrorResponse{Error: ErrorInfo{
		Code:      string(err.Code),
		Message:   err.Message,
		Retryable: err.Retryable,
	}})
}

func logAPIError(logger *zap.Logger, err *types.Error, status int) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
	)
	if err.Provider != "" {
		fields = append(fields, zap.String("provider", err.Provider))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}

	log := logger.Warn
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("API error", fields...)
}

// WriteErrorFrom 非 *types.Error 一律按 INTERNAL_ERROR 处理
func WriteErrorFrom(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteError(w, types.WrapError(err, types.ErrInternalError, "internal error"), logger)
}

func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// codeStatus 错误码的默认 HTTP 状态；未列出的按 500
var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:     http.StatusBadRequest,
	types.ErrInvalidPayload:     http.StatusBadRequest,
	types.ErrProviderResolution: http.StatusBadRequest,
	types.ErrUnauthorized:       http.StatusUnauthorized,
	types.ErrQuotaExceeded:      http.StatusPaymentRequired,
	types.ErrForbidden:          http.StatusForbidden,
	types.ErrModelNotFound:      http.StatusNotFound,
	types.ErrRateLimited:        http.StatusTooManyRequests,
	types.ErrStreamTeardown:     llm.StatusClientClosedRequest,

	types.ErrCapabilityNotSupported: http.StatusNotImplemented,
	types.ErrUpstreamUnavailable:    http.StatusBadGateway,
	types.ErrUpstreamHTTP:           http.StatusBadGateway,
	types.ErrModelOverloaded:        http.StatusServiceUnavailable,
	types.ErrServiceUnavailable:     http.StatusServiceUnavailable,
	types.ErrUpstreamTimeout:        http.StatusGatewayTimeout,
}

// StatusFor 显式 HTTPStatus 优先，其次按错误码
func StatusFor(err *types.Error) int {
	if err.HTTPStatus != 0 {
		return err.HTTPStatus
	}
	if s, ok := codeStatus[err.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🛡️ 请求读取辅助函数
// =============================================================================

// ReadBody 读取完整请求体，超过 limit 返回 InvalidPayload（413）
func ReadBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, *types.Error) {
	if r.Body == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, llm.NewInvalidPayloadError("request body too large").
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		return nil, llm.NewInvalidPayloadError("failed to read request body").WithCause(err)
	}
	return body, nil
}

// DecodeJSON 解码 JSON 请求体；未知字段被忽略，兼容 OpenAI 客户端的扩展参数
func DecodeJSON(body []byte, dst any) *types.Error {
	if len(body) == 0 {
		return llm.NewInvalidPayloadError("request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return llm.NewInvalidPayloadError("Invalid JSON body").WithCause(err)
	}
	return nil
}

// principal 返回认证中间件写入的 user_id
func principal(r *http.Request) string {
	id, _ := types.UserID(r.Context())
	return id
}
