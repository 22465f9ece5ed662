package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 缓存管理器
// =============================================================================

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("cache manager is closed")

// IsCacheMiss 判断是否为缓存未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config Redis 缓存配置
type Config struct {
	Addr                string        `yaml:"addr" json:"addr" env:"ADDR"`
	Password            string        `yaml:"password" json:"password" env:"PASSWORD"`
	DB                  int           `yaml:"db" json:"db" env:"DB"`
	KeyPrefix           string        `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
	DefaultTTL          time.Duration `yaml:"default_ttl" json:"default_ttl" env:"DEFAULT_TTL"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	PoolSize            int           `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns        int           `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "llmgateway:",
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Observer 接收命中/未命中事件，metrics.Collector 满足该接口
type Observer interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Manager 给所有键加 KeyPrefix 的 Redis 缓存。Close 之后的调用返回 ErrClosed。
type Manager struct {
	redis    *redis.Client
	config   Config
	logger   *zap.Logger
	observer Observer

	closed   atomic.Bool
	stopOnce sync.Once
	stop     context.CancelFunc
	loopCtx  context.Context
}

// NewManager 连接并 Ping（5s 超时），HealthCheckInterval > 0 时启动后台探活
func NewManager(ctx context.Context, config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := NewManagerWithClient(client, config, logger)
	if config.HealthCheckInterval > 0 {
		go m.probe(config.HealthCheckInterval)
	}
	m.logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize))
	return m, nil
}

// NewManagerWithClient 复用已有客户端（测试与幂等存储共用连接池时）
func NewManagerWithClient(client *redis.Client, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	loopCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		redis:   client,
		config:  config,
		logger:  logger.With(zap.String("component", "cache")),
		loopCtx: loopCtx,
		stop:    stop,
	}
}

// SetObserver 须在并发使用前调用
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Client 底层客户端，幂等存储与之共享连接池
func (m *Manager) Client() *redis.Client { return m.redis }

func (m *Manager) key(k string) string { return m.config.KeyPrefix + k }

func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	val, err := m.redis.Get(ctx, m.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrCacheMiss
	case err != nil:
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set ttl 为 0 时用 DefaultTTL
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	if err := m.redis.Set(ctx, m.key(key), value, ttl).Err(); err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.Set(ctx, key, string(raw), ttl)
}

func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, k := range keys {
		prefixed = append(prefixed, m.key(k))
	}
	if err := m.redis.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.redis.Ping(ctx).Err()
}

// Close 停止探活并关闭连接，可重复调用
func (m *Manager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		m.stop()
		m.logger.Info("closing cache manager")
		err = m.redis.Close()
	})
	return err
}

func (m *Manager) probe(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(m.loopCtx, 5*time.Second)
		err := m.Ping(ctx)
		cancel()
		if err != nil && !errors.Is(err, ErrClosed) && m.loopCtx.Err() == nil {
			m.logger.Error("cache health check failed", zap.Error(err))
		}
	}
}

// GetOrLoad 读取 JSON 缓存；未命中或缓存故障时调用 load 并回填。
// m 为 nil 时直接调用 load。load 的错误不缓存。
func GetOrLoad[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if m == nil {
		return load(ctx)
	}

	var cached T
	err := m.GetJSON(ctx, key, &cached)
	m.observe(key, err == nil)
	if err == nil {
		return cached, nil
	}
	if !IsCacheMiss(err) {
		m.logger.Warn("cache read failed, loading from source", zap.String("key", key), zap.Error(err))
	}

	val, err := load(ctx)
	if err != nil {
		return val, err
	}
	if err := m.SetJSON(ctx, key, val, ttl); err != nil {
		m.logger.Warn("cache fill failed", zap.String("key", key), zap.Error(err))
	}
	return val, nil
}

// observe 以键的首段（"models:list" → "models"）作为 cache_type 上报
func (m *Manager) observe(key string, hit bool) {
	if m.observer == nil {
		return
	}
	cacheType, _, _ := strings.Cut(key, ":")
	if hit {
		m.observer.RecordCacheHit(cacheType)
	} else {
		m.observer.RecordCacheMiss(cacheType)
	}
}
