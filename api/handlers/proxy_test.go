package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/proxy"
)

func TestProxyHandler_Responses(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
	)
	h, mem := newProxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"resp-1","object":"response"}`)
	})

	body := `{"model":"openai/gpt-4o","input":["a","b"]}`
	w := httptest.NewRecorder()
	h.HandleResponses(w, withUser(postJSON("/v1/responses", body), "user-3"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/responses", gotPath)
	assert.JSONEq(t, body, string(gotBody))

	rec := onlyRecord(t, mem)
	assert.Equal(t, "responses", rec.Operation)
	assert.Equal(t, "/responses", rec.Endpoint)
	assert.Equal(t, "user-3", rec.UserID)
	require.NotNil(t, rec.InputCount)
	assert.Equal(t, 2, *rec.InputCount)
	require.NotNil(t, rec.ProviderResponseID)
	assert.Equal(t, "resp-1", *rec.ProviderResponseID)
}

func TestProxyHandler_StreamRelaysBytes(t *testing.T) {
	upstream := "data: {\"id\":\"gen-1\"}\n\ndata: [DONE]\n\n"
	h, mem := newProxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, upstream)
	})

	w := httptest.NewRecorder()
	h.HandleChatCompletions(w, postJSON("/v1/proxy/chat/completions",
		`{"model":"mistral-small","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, upstream, w.Body.String())
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	rec := onlyRecord(t, mem)
	assert.True(t, rec.Stream)
	assert.Nil(t, rec.Usage)
	assert.Nil(t, rec.FinishReason)
}

func TestProxyHandler_InvalidPayload(t *testing.T) {
	h, mem := newProxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})

	for _, body := range []string{`not json`, `[1,2]`, ``} {
		w := httptest.NewRecorder()
		h.HandleChatCompletions(w, postJSON("/v1/proxy/chat/completions", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	// 空请求体同样是 400，不向上游发送任何内容
	w := httptest.NewRecorder()
	h.HandleResponses(w, postJSON("/v1/responses", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid request body"}`, w.Body.String())
	assert.Empty(t, mem.Records())
}

func TestProxyHandler_NotConfigured(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	up := proxy.NewUpstream(proxy.Config{}, zap.NewNop())
	h := NewProxyHandler(proxy.NewPipeline(up, mem, nil, zap.NewNop()), 0, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleResponses(w, postJSON("/v1/responses", `{"model":"x"}`))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "OpenRouter client not configured", resp["error"])
	assert.Empty(t, mem.Records())
}

func TestProxyHandler_BodyTooLarge(t *testing.T) {
	h, mem := newProxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})
	h.maxBody = 16

	w := httptest.NewRecorder()
	h.HandleChatCompletions(w, postJSON("/v1/proxy/chat/completions", `{"model":"`+strings.Repeat("x", 64)+`"}`))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, mem.Records())
}
