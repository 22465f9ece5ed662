package mistral

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
)

func TestMistralProvider_Defaults(t *testing.T) {
	provider := NewMistralProvider(providers.MistralConfig{}, zap.NewNop())
	assert.Equal(t, "mistral", provider.Name())
	assert.Equal(t, defaultBaseURL, provider.Cfg.BaseURL)
	assert.Equal(t, "mistral-embed", provider.Cfg.EmbeddingModel)
}

func TestMistralProvider_StreamYieldsContentOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Bon"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":null}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"jour"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider := NewMistralProvider(providers.MistralConfig{
		BaseProviderConfig: providers.BaseProviderConfig{APIKey: "k", BaseURL: server.URL},
	}, zap.NewNop())

	ch, err := provider.Stream(context.Background(), &llm.ChatRequest{
		Model:    "mistral-small",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Bonjour"}},
	})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "Bon", chunks[0].Content)
	assert.Equal(t, "jour", chunks[1].Content)
	assert.Equal(t, "stop", chunks[1].FinishReason)
}

func TestMistralProvider_Embeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"model":"mistral-embed","data":[{"object":"embedding","embedding":[0.5,0.25],"index":0}]}`)
	}))
	defer server.Close()

	provider := NewMistralProvider(providers.MistralConfig{
		BaseProviderConfig: providers.BaseProviderConfig{APIKey: "k", BaseURL: server.URL},
	}, zap.NewNop())

	resp, err := provider.CreateEmbeddings(context.Background(), &llm.EmbeddingRequest{Model: "mistral-embed", Inputs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []float64{0.5, 0.25}, resp.Data[0].Embedding)
}

func TestMistralProvider_Integration(t *testing.T) {
	apiKey := os.Getenv("MISTRAL_API_KEY")
	if apiKey == "" {
		t.Skip("MISTRAL_API_KEY not set, skipping integration test")
	}

	provider := NewMistralProvider(providers.MistralConfig{
		BaseProviderConfig: providers.BaseProviderConfig{
			APIKey:  apiKey,
			Model:   "mistral-small-latest",
			Timeout: 30 * time.Second,
		},
	}, zap.NewNop())

	status, err := provider.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}
