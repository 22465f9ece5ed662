package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/idempotency"
	"github.com/BaSui01/llmgateway/llm/providers/openaicompat"
)

// =============================================================================
// 🧪 ChatHandler 测试
// =============================================================================

const helloBody = `{"model":"mistral-small","messages":[{"role":"user","content":"hello world"}]}`

func TestChatHandler_Buffered(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, withUser(postJSON("/v1/chat/completions", helloBody), "user-42"))

	require.Equal(t, http.StatusOK, w.Code)
	jobID := w.Header().Get(JobIDHeader)
	assert.NotEmpty(t, jobID)

	var resp llm.ChatCompletion
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, llm.FinishReasonStop, resp.Choices[0].FinishReason)

	rec := onlyRecord(t, mem)
	assert.Equal(t, jobID, rec.JobID)
	assert.Equal(t, "user-42", rec.UserID)
	assert.Equal(t, "mistral", rec.Provider)
	assert.Equal(t, "chat.completions", rec.Operation)
	assert.Equal(t, "mistral-small", rec.Model)
	assert.False(t, rec.Stream)
	require.NotNil(t, rec.RequestHash)
	assert.Len(t, *rec.RequestHash, 64)
	assert.Equal(t, len(helloBody), rec.RequestBytes)
	require.NotNil(t, rec.MessagesCount)
	assert.Equal(t, 1, *rec.MessagesCount)
	assert.Equal(t, http.StatusOK, *rec.StatusCode)
	require.NotNil(t, rec.ProviderResponseID)
	assert.Equal(t, resp.ID, *rec.ProviderResponseID)
	require.NotNil(t, rec.FinishReason)
	assert.Equal(t, "stop", *rec.FinishReason)
	assert.Nil(t, rec.Error)
}

func TestChatHandler_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"model":`},
		{name: "empty body", body: ``},
		{name: "no messages", body: `{"model":"mistral-small","messages":[]}`},
		{name: "bad role", body: `{"model":"mistral-small","messages":[{"role":"robot","content":"hi"}]}`},
		{name: "temperature out of range", body: `{"model":"mistral-small","temperature":3,"messages":[{"role":"user","content":"hi"}]}`},
		{name: "negative max_tokens", body: `{"model":"mistral-small","max_tokens":-1,"messages":[{"role":"user","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := ledger.NewMemoryLedger()
			h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleCompletion(w, postJSON("/v1/chat/completions", tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_PAYLOAD", decodeError(t, w).Code)
			assert.Empty(t, mem.Records())
		})
	}
}

func TestChatHandler_ProviderResolutionFails(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(newOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"unknown-model","messages":[{"role":"user","content":"hi"}]}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "PROVIDER_RESOLUTION", decodeError(t, w).Code)
	assert.Empty(t, mem.Records())
}

func TestChatHandler_UnknownModelFallsBackToDefault(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mistral", onlyRecord(t, mem).Provider)
}

func TestChatHandler_UpstreamError(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	failing := &scriptedProvider{
		name:          "mistral",
		completionErr: llm.NewUpstreamHTTPError("mistral", http.StatusTooManyRequests, "slow down"),
	}
	h := NewChatHandler(newOrchestrator(failing), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions", helloBody))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	info := decodeError(t, w)
	assert.Equal(t, "UPSTREAM_HTTP", info.Code)
	assert.Equal(t, "slow down", info.Message)

	rec := onlyRecord(t, mem)
	assert.Equal(t, http.StatusTooManyRequests, *rec.StatusCode)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "slow down", *rec.Error)
}

func TestChatHandler_Stream(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"mistral-small","stream":true,"messages":[{"role":"user","content":"one two three"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.NotContains(t, w.Body.String(), "[DONE]")

	chunks, events := sseFrames(t, w.Body.String())
	assert.Empty(t, events)
	require.GreaterOrEqual(t, len(chunks), 3)

	first := chunks[0].Choices[0]
	assert.Equal(t, "assistant", first.Delta.Role)
	require.NotNil(t, first.Delta.Content)
	assert.Equal(t, "", *first.Delta.Content)

	var text strings.Builder
	terminal := 0
	for _, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID)
		assert.Equal(t, "mistral-small", c.Model)
		if c.Choices[0].Delta.Content != nil {
			text.WriteString(*c.Choices[0].Delta.Content)
		}
		if c.Choices[0].FinishReason != nil {
			terminal++
			assert.Equal(t, "stop", *c.Choices[0].FinishReason)
		}
	}
	assert.Equal(t, "one two three", text.String())
	assert.Equal(t, 1, terminal)

	rec := onlyRecord(t, mem)
	assert.True(t, rec.Stream)
	assert.Equal(t, http.StatusOK, *rec.StatusCode)
	require.NotNil(t, rec.FinishReason)
	assert.Equal(t, "stop", *rec.FinishReason)
	require.NotNil(t, rec.ProviderResponseID)
	assert.Equal(t, chunks[0].ID, *rec.ProviderResponseID)
	assert.Nil(t, rec.Error)
}

func TestChatHandler_StreamUpstreamFailure(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	broken := &scriptedProvider{
		name: "mistral",
		chunks: []llm.StreamChunk{
			{Content: "partial"},
			{Err: llm.NewUpstreamUnavailableError("mistral", io.ErrUnexpectedEOF)},
		},
	}
	h := NewChatHandler(newOrchestrator(broken), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"mistral-small","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	chunks, events := sseFrames(t, w.Body.String())
	assert.Equal(t, []string{"error"}, events)
	for _, c := range chunks {
		assert.Nil(t, c.Choices[0].FinishReason, "no terminal frame after an error")
	}

	rec := onlyRecord(t, mem)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, io.ErrUnexpectedEOF.Error())
}

func TestChatHandler_Idempotency(t *testing.T) {
	store := idempotency.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)
	guard := idempotency.NewGuard(store, time.Hour, zap.NewNop())

	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{Idempotency: guard}, zap.NewNop())

	send := func(body string) *httptest.ResponseRecorder {
		r := withUser(postJSON("/v1/chat/completions", body), "user-1")
		r.Header.Set(idempotency.HeaderName, "key-1")
		w := httptest.NewRecorder()
		h.HandleCompletion(w, r)
		return w
	}

	first := send(helloBody)
	require.Equal(t, http.StatusOK, first.Code)
	var a llm.ChatCompletion
	require.NoError(t, json.NewDecoder(first.Body).Decode(&a))

	second := send(helloBody)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayHeader))
	var b llm.ChatCompletion
	require.NoError(t, json.NewDecoder(second.Body).Decode(&b))
	assert.Equal(t, a.ID, b.ID)

	reused := send(`{"model":"mistral-small","messages":[{"role":"user","content":"other"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)

	// 重放与冲突都不写账本
	assert.Len(t, mem.Records(), 1)
}

func TestChatHandler_ViaProxy(t *testing.T) {
	var gotPath string
	ph, proxyLedger := newProxyHandler(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"gen-1","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":3}}`)
	})

	nativeLedger := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), nativeLedger, ChatHandlerOptions{Proxy: ph, ChatViaProxy: true}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, withUser(postJSON("/v1/chat/completions", helloBody), "user-7"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.JSONEq(t, `{"id":"gen-1","choices":[{"finish_reason":"stop"}],"usage":{"total_tokens":3}}`, w.Body.String())
	assert.Empty(t, nativeLedger.Records())

	rec := onlyRecord(t, proxyLedger)
	assert.Equal(t, "openrouter", rec.Provider)
	assert.Equal(t, "user-7", rec.UserID)
}

// =============================================================================
// 🔧 工具调用与异常结束
// =============================================================================

// openAIUpstream 把 openaicompat Provider（名为 openai）接到假的上游
func openAIUpstream(t *testing.T, handler http.HandlerFunc) *llm.ChatOrchestrator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p := openaicompat.New(openaicompat.Config{ProviderName: "openai", APIKey: "k", BaseURL: server.URL}, zap.NewNop())
	return newOrchestrator(p)
}

func TestChatHandler_ToolCallsRoundTrip(t *testing.T) {
	var upstream map[string]any
	orch := openAIUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&upstream))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"finish_reason":"tool_calls",
			"message":{"role":"assistant","content":null,"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]}}]}`)
	})
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(orch, mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions", `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "weather in Paris?"}],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "auto",
		"stop": "\n"
	}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tools := upstream["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, map[string]any{"type": "object"}, fn["parameters"])
	assert.Equal(t, "auto", upstream["tool_choice"])
	assert.Equal(t, []any{"\n"}, upstream["stop"])

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	choice := resp["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_calls", choice["finish_reason"])
	call := choice["message"].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, "call_1", call["id"])
	assert.Equal(t, "function", call["type"])
	assert.Equal(t, map[string]any{"name": "get_weather", "arguments": `{"city":"Paris"}`}, call["function"])
}

func TestChatHandler_TruncatedToolArguments(t *testing.T) {
	orch := openAIUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"finish_reason":"length","message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\": \"Par"}}]}}]}`)
	})
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(orch, mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	var resp llm.ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, `{"city": "Par`, resp.Choices[0].Message.ToolCalls[0].Arguments)

	rec := onlyRecord(t, mem)
	assert.Equal(t, http.StatusOK, *rec.StatusCode)
	assert.Equal(t, "length", *rec.FinishReason)
	assert.Nil(t, rec.Error)
}

func TestChatHandler_ToolWithoutName(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	h := NewChatHandler(offlineOrchestrator(), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompletion(w, postJSON("/v1/chat/completions",
		`{"model":"mistral-small","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{}}]}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "tools[0].function.name")
	assert.Empty(t, mem.Records())
}

// stallingProvider 发出一个片段后通知调用方，然后阻塞直到请求被取消
type stallingProvider struct {
	scriptedProvider
	sent func()
}

func (p *stallingProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		select {
		case ch <- llm.StreamChunk{Content: "partial"}:
		case <-ctx.Done():
			return
		}
		p.sent()
		<-ctx.Done()
	}()
	return ch, nil
}

func TestChatHandler_StreamClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := ledger.NewMemoryLedger()
	p := &stallingProvider{scriptedProvider: scriptedProvider{name: "mistral"}, sent: cancel}
	h := NewChatHandler(newOrchestrator(p), mem, ChatHandlerOptions{}, zap.NewNop())

	w := httptest.NewRecorder()
	r := postJSON("/v1/chat/completions",
		`{"model":"mistral-small","stream":true,"messages":[{"role":"user","content":"hi"}]}`).WithContext(ctx)
	h.HandleCompletion(w, r)

	chunks, _ := sseFrames(t, w.Body.String())
	for _, c := range chunks {
		assert.Nil(t, c.Choices[0].FinishReason, "no terminal frame after disconnect")
	}

	rec := onlyRecord(t, mem)
	assert.Equal(t, llm.StatusClientClosedRequest, *rec.StatusCode)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "client disconnected", *rec.Error)
}
