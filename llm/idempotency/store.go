package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// Entry 是一次已完成请求的缓存结果
type Entry struct {
	Fingerprint string              `json:"fingerprint"`
	Completion  *llm.ChatCompletion `json:"completion"`
	StoredAt    time.Time           `json:"stored_at"`
}

// Store 幂等结果存储
type Store interface {
	Load(ctx context.Context, key string) (*Entry, bool, error)
	Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error
}

// =============================================================================
// Redis
// =============================================================================

type redisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore 创建基于 Redis 的存储
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) Store {
	if prefix == "" {
		prefix = "llmgateway:idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisStore{client: client, prefix: prefix, logger: logger}
}

func (s *redisStore) Load(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &e, true, nil
}

func (s *redisStore) Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	s.logger.Debug("idempotency entry stored", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// =============================================================================
// 内存（单实例部署与测试）
// =============================================================================

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore 进程内存储，后台定期清理过期条目
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewMemoryStore 创建内存存储。cleanupInterval ≤ 0 时不启动清理。
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

func (m *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryStore) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// Len 返回未清理的条目数
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close 停止清理 goroutine
func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *MemoryStore) Load(ctx context.Context, key string) (*Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.now().After(e.expiresAt) {
		return nil, false, nil
	}
	cp := e.entry
	return &cp, true, nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{entry: *e, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}
