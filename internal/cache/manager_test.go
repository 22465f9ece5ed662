package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	cfg.DefaultTTL = time.Minute

	m, err := NewManager(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestNewManager_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	_, err := NewManager(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestManager_SetGetDelete(t *testing.T) {
	mr, m := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	assert.True(t, mr.Exists("llmgateway:k"))
	assert.Equal(t, time.Minute, mr.TTL("llmgateway:k"))

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	_, m := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "card", llm.Model{ID: "gpt-4o", Provider: "openai"}, time.Second))
	var got llm.Model
	require.NoError(t, m.GetJSON(ctx, "card", &got))
	assert.Equal(t, "gpt-4o", got.ID)
}

func TestManager_Closed(t *testing.T) {
	_, m := setupTestRedis(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
}

type countingLister struct {
	lists int
	gets  int
	err   error
}

func (c *countingLister) ListModels(ctx context.Context) ([]llm.Model, error) {
	c.lists++
	return []llm.Model{{ID: "mistral-small", Provider: "mistral"}}, c.err
}

func (c *countingLister) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	c.gets++
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Model{ID: id}, nil
}

type hitCounter struct{ hits, misses map[string]int }

func (h *hitCounter) RecordCacheHit(c string)  { h.hits[c]++ }
func (h *hitCounter) RecordCacheMiss(c string) { h.misses[c]++ }

func TestModelCatalog_Caches(t *testing.T) {
	_, m := setupTestRedis(t)
	obs := &hitCounter{hits: map[string]int{}, misses: map[string]int{}}
	m.SetObserver(obs)
	src := &countingLister{}
	catalog := NewModelCatalog(src, m, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		models, err := catalog.ListModels(ctx)
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "mistral", models[0].Provider)

		card, err := catalog.GetModel(ctx, "gpt-4o")
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", card.ID)
	}
	assert.Equal(t, 1, src.lists)
	assert.Equal(t, 1, src.gets)
	assert.Equal(t, 4, obs.hits["models"])
	assert.Equal(t, 2, obs.misses["models"])
}

func TestModelCatalog_ErrorsNotCached(t *testing.T) {
	_, m := setupTestRedis(t)
	src := &countingLister{err: errors.New("boom")}
	catalog := NewModelCatalog(src, m, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := catalog.GetModel(context.Background(), "x")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, src.gets)
}

func TestModelCatalog_NoCacheAndRedisDown(t *testing.T) {
	src := &countingLister{}
	_, err := NewModelCatalog(src, nil, 0).ListModels(context.Background())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, Config{}, nil)
	mr.Close()

	_, err = NewModelCatalog(src, m, time.Minute).ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.lists)
}
