package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers"
	"github.com/BaSui01/llmgateway/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *ClaudeProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClaudeProvider(providers.ClaudeConfig{
		BaseProviderConfig: providers.BaseProviderConfig{APIKey: "sk-ant", BaseURL: server.URL},
	}, zap.NewNop())
}

func TestNormalizeStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"other":         "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeStopReason(in), in)
	}
}

func TestConvertMessages(t *testing.T) {
	system, msgs := convertMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "rule one"},
		{Role: llm.RoleSystem, Content: "rule two"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "t1", Name: "lookup"}}},
		{Role: llm.RoleTool, ToolCallID: "t1", Content: "42"},
	})
	assert.Equal(t, "rule one\nrule two", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, "tool_use", msgs[1].Content[0].Type)
	assert.JSONEq(t, `{}`, string(msgs[1].Content[0].Input))
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "tool_result", msgs[2].Content[0].Type)
}

func TestClaudeProvider_Completion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body claudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-3-haiku-latest", body.Model)
		assert.Equal(t, "be brief", body.System)
		assert.Equal(t, 1024, body.MaxTokens)

		fmt.Fprint(w, `{"id":"msg_1","content":[{"type":"text","text":"Hello"},{"type":"text","text":" there"}],
			"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model: "claude-3-haiku-latest",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "Hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Equal(t, "claude-3-haiku-latest", resp.Model)
}

func TestClaudeProvider_Stream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"max_tokens\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "claude-3-haiku-latest"})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Bon", chunks[0].Content)
	assert.Equal(t, "jour", chunks[1].Content)
	assert.Equal(t, "length", chunks[2].FinishReason)
}

func TestClaudeProvider_StreamHTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})

	_, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "claude-3-haiku-latest"})
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrUnauthorized, e.Code)
	assert.Contains(t, e.Message, "invalid x-api-key")
}

func TestClaudeProvider_ModelsAndEmbeddings(t *testing.T) {
	p := NewClaudeProvider(providers.ClaudeConfig{}, nil)

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "anthropic", models[0].Provider)

	m, err := p.GetModel(context.Background(), "claude-3-opus-latest")
	require.NoError(t, err)
	assert.Equal(t, "model", m.Object)

	_, err = p.GetModel(context.Background(), "claude-9")
	assert.True(t, types.IsErrorCode(err, types.ErrModelNotFound))

	_, err = p.CreateEmbeddings(context.Background(), &llm.EmbeddingRequest{Inputs: []string{"a"}})
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCapabilityNotSupported, e.Code)
	assert.Equal(t, http.StatusNotImplemented, e.HTTPStatus)
}
