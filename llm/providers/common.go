package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

// upstreamStatus 固定状态码对应的错误码与是否可重试
var upstreamStatus = map[int]struct {
	code      types.ErrorCode
	retryable bool
}{
	http.StatusUnauthorized:       {types.ErrUnauthorized, false},
	http.StatusForbidden:          {types.ErrForbidden, false},
	http.StatusNotFound:           {types.ErrModelNotFound, false},
	http.StatusTooManyRequests:    {types.ErrRateLimited, true},
	http.StatusBadGateway:         {types.ErrUpstreamUnavailable, true},
	http.StatusServiceUnavailable: {types.ErrUpstreamUnavailable, true},
	http.StatusGatewayTimeout:     {types.ErrUpstreamUnavailable, true},
	529:                           {types.ErrModelOverloaded, true}, // Anthropic overloaded
}

// MapHTTPError 上游状态码 → *types.Error。HTTPStatus 保留上游原值；
// 400 中带 quota/credit/limit 字样的归为 QUOTA_EXCEEDED。
func MapHTTPError(status int, msg string, provider string) *types.Error {
	code, retryable := types.ErrUpstreamHTTP, status >= 500
	if m, ok := upstreamStatus[status]; ok {
		code, retryable = m.code, m.retryable
	} else if status == http.StatusBadRequest {
		code = types.ErrInvalidRequest
		if looksLikeQuota(msg) {
			code = types.ErrQuotaExceeded
		}
	}
	return types.NewError(code, msg).
		WithHTTPStatus(status).
		WithRetryable(retryable).
		WithProvider(provider)
}

func looksLikeQuota(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"quota", "credit", "limit"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ReadErrorMessage 读取错误体（最多 1MB）。
// 能解析出 {"error":{"message"}} 时返回 message（附 type），否则返回原文。
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return "failed to read error response"
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) != nil || envelope.Error.Message == "" {
		return strings.TrimSpace(string(data))
	}
	if envelope.Error.Type == "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("%s (type: %s)", envelope.Error.Message, envelope.Error.Type)
}

// ChooseModel 按优先级选择模型（请求 > 默认 > 兜底）
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// BearerTokenHeaders 是标准的 Bearer token 认证 header 构建函数。
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

// SafeCloseBody 安全关闭 HTTP 响应体并忽略错误
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// DoJSON 发送请求并把 2xx 响应解码到 out；传输错误映射为 UpstreamUnavailable，
// >=400 经 MapHTTPError 映射。
func DoJSON(client *http.Client, req *http.Request, provider string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return llm.NewUpstreamUnavailableError(provider, err)
	}
	defer SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		return MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), provider)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewUpstreamUnavailableError(provider, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// getModels GET baseURL+path，带 provider 自己的认证头
func getModels(ctx context.Context, client *http.Client, url, apiKey, provider string, headers func(*http.Request, string), out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	headers(req, apiKey)
	return DoJSON(client, req, provider, out)
}

// ListModelsOpenAICompat 读取 OpenAI 形式的 {"data":[...]} 模型列表
func ListModelsOpenAICompat(ctx context.Context, client *http.Client, baseURL, apiKey, providerName, modelsEndpoint string, buildHeaders func(*http.Request, string)) ([]llm.Model, error) {
	var list struct {
		Data []llm.Model `json:"data"`
	}
	url := strings.TrimRight(baseURL, "/") + modelsEndpoint
	if err := getModels(ctx, client, url, apiKey, providerName, buildHeaders, &list); err != nil {
		return nil, err
	}
	for i := range list.Data {
		list.Data[i].Object, list.Data[i].Provider = "model", providerName
	}
	return list.Data, nil
}

// GetModelOpenAICompat 上游 404 统一映射为 ModelNotFound，带上请求的 id
func GetModelOpenAICompat(ctx context.Context, client *http.Client, baseURL, apiKey, providerName, modelsEndpoint, id string, buildHeaders func(*http.Request, string)) (*llm.Model, error) {
	var m llm.Model
	url := strings.TrimRight(baseURL, "/") + modelsEndpoint + "/" + id
	if err := getModels(ctx, client, url, apiKey, providerName, buildHeaders, &m); err != nil {
		if types.IsErrorCode(err, types.ErrModelNotFound) {
			return nil, llm.NewModelNotFoundError(providerName, id)
		}
		return nil, err
	}
	m.Object, m.Provider = "model", providerName
	if m.ID == "" {
		m.ID = id
	}
	return &m, nil
}
