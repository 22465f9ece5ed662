package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

func strPtr(s string) *string { return &s }

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		ProviderName:   "test",
		APIKey:         "test-key",
		BaseURL:        server.URL,
		EmbeddingModel: "embed-default",
	}, zap.NewNop())
}

// --- New() constructor ---

func TestNew_FillsDefaults(t *testing.T) {
	for _, tc := range []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{-time.Second, 30 * time.Second},
		{10 * time.Second, 10 * time.Second},
	} {
		p := New(Config{ProviderName: "test", Timeout: tc.timeout}, nil)
		assert.Equal(t, tc.want, p.Client.Timeout)
		assert.Equal(t, "test", p.Name())
		assert.NotNil(t, p.Logger)
	}

	p := New(Config{ProviderName: "test", ModelsEndpoint: "/models"}, nil)
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/models", p.Cfg.ModelsEndpoint, "explicit paths are kept")
	assert.Equal(t, "/v1/embeddings", p.Cfg.EmbeddingsEndpoint)
}

func TestSetBuildHeaders(t *testing.T) {
	p := New(Config{ProviderName: "test", APIKey: "key"}, nil)
	p.SetBuildHeaders(func(r *http.Request, apiKey string) {
		r.Header.Set("X-Custom", apiKey)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p.headers()(req, "key")
	assert.Equal(t, "key", req.Header.Get("X-Custom"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

// --- Completion ---

func TestProvider_Completion_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		assert.NotContains(t, body, "stream")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp-1","model":"gpt-test","created":1700000000,
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello!"}}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "gpt-test",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, int64(1700000000), resp.Created)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "default", resp.ServiceTier)
	assert.Equal(t, "test", resp.Provider)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestProvider_Completion_SynthesizesEnvelope(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":null,"tool_calls":[
			{"id":"c1","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}}]}}]}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.NotZero(t, resp.Created)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	assert.JSONEq(t, `{"q":1}`, string(resp.Choices[0].Message.ToolCalls[0].Arguments))
}

func TestProvider_Completion_HTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantCode   types.ErrorCode
		wantMsg    string
	}{
		{"401 unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, types.ErrUnauthorized, "bad key"},
		{"429 rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, types.ErrRateLimited, "slow down"},
		{"500 server error", http.StatusInternalServerError, `oops`, types.ErrUpstreamHTTP, "oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			})

			_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.statusCode, e.HTTPStatus)
			assert.Equal(t, tt.wantMsg, e.Message)
		})
	}
}

func TestProvider_Completion_InvalidJSON(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamUnavailable))
}

// --- Stream ---

func TestProvider_Stream_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.Equal(t, "length", chunks[2].FinishReason)
}

func TestProvider_Stream_NoFinishMarker(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"x"}}]}`+"\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var last llm.StreamChunk
	for c := range ch {
		last = c
	}
	assert.Equal(t, "stop", last.FinishReason)
}

func TestProvider_Stream_OutlivesRoundTripTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"slow"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":" reply"},"finish_reason":"stop"}]}`+"\n\n")
	}))
	t.Cleanup(server.Close)
	p := New(Config{ProviderName: "test", BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)
	assert.Zero(t, p.StreamClient.Timeout)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var text strings.Builder
	for c := range ch {
		require.NoError(t, c.Err)
		text.WriteString(c.Content)
	}
	assert.Equal(t, "slow reply", text.String())
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	})

	_, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrRateLimited))
}

func TestProvider_Stream_MalformedChunk(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {broken\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Error(t, chunks[0].Err)
}

// --- Models / Embeddings ---

func TestProvider_ListModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"object":"list","data":[{"id":"a","owned_by":"x"},{"id":"b"}]}`)
	})

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "test", models[0].Provider)
	assert.Equal(t, "model", models[1].Object)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestProvider_CreateEmbeddings(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embed-default", body.Model)
		assert.Equal(t, []string{"a", "b"}, body.Input)

		fmt.Fprint(w, `{"data":[{"embedding":[0.1],"index":0},{"object":"embedding","embedding":[0.2],"index":1}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	})

	resp, err := p.CreateEmbeddings(context.Background(), &llm.EmbeddingRequest{Inputs: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "embedding", resp.Data[0].Object)
	assert.Equal(t, "embed-default", resp.Model)
	assert.Equal(t, 2, resp.Usage.TotalTokens)
}

func TestStreamSSE_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"x"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	p := New(Config{ProviderName: "test", BaseURL: server.URL}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, &llm.ChatRequest{Model: "m"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "x", first.Content)
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
