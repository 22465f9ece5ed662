package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/ledger"
	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/llm/providers/offline"
	"github.com/BaSui01/llmgateway/llm/streaming"
	"github.com/BaSui01/llmgateway/proxy"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// scriptedProvider 按脚本返回结果的 Provider
type scriptedProvider struct {
	name          string
	completionErr error
	chunks        []llm.StreamChunk
	embedErr      error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, errors.New("listing disabled")
}

func (p *scriptedProvider) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	return nil, llm.NewModelNotFoundError(p.name, id)
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatCompletion, error) {
	return nil, p.completionErr
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, p.embedErr
}

func newOrchestrator(providers ...llm.Provider) *llm.ChatOrchestrator {
	reg := llm.NewProviderRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	return llm.NewChatOrchestrator(reg, llm.OrchestratorOptions{Logger: zap.NewNop()})
}

func offlineOrchestrator() *llm.ChatOrchestrator {
	return newOrchestrator(offline.New("mistral", zap.NewNop()))
}

func postJSON(target, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorInfo {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

func onlyRecord(t *testing.T, mem *ledger.MemoryLedger) ledger.Record {
	t.Helper()
	records := mem.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, mem.UpdateCount(records[0].JobID))
	require.NotNil(t, records[0].StatusCode)
	require.NotNil(t, records[0].LatencyMs)
	return records[0]
}

// sseFrames 解析 SSE 响应体，返回 data 帧与 event 名称
func sseFrames(t *testing.T, body string) ([]streaming.Chunk, []string) {
	t.Helper()
	var (
		chunks []streaming.Chunk
		events []string
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			var c streaming.Chunk
			if err := json.Unmarshal([]byte(data), &c); err == nil && c.Object == "chat.completion.chunk" {
				chunks = append(chunks, c)
			}
		}
	}
	return chunks, events
}

func newProxyHandler(t *testing.T, handler http.HandlerFunc) (*ProxyHandler, *ledger.MemoryLedger) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	mem := ledger.NewMemoryLedger()
	up := proxy.NewUpstream(proxy.Config{APIKey: "or-key", BaseURL: server.URL}, zap.NewNop())
	return NewProxyHandler(proxy.NewPipeline(up, mem, nil, zap.NewNop()), 0, zap.NewNop()), mem
}

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(types.WithUserID(r.Context(), userID))
}
