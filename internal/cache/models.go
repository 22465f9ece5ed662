package cache

import (
	"context"
	"time"

	"github.com/BaSui01/llmgateway/llm"
)

// ModelLister 是模型目录的数据源，ChatOrchestrator 满足该接口
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
	GetModel(ctx context.Context, id string) (*llm.Model, error)
}

// ModelCatalog 在 ModelLister 前加一层 Redis 缓存；cache 为 nil 时直通
type ModelCatalog struct {
	source ModelLister
	cache  *Manager
	ttl    time.Duration
}

// NewModelCatalog 创建模型目录
func NewModelCatalog(source ModelLister, cache *Manager, ttl time.Duration) *ModelCatalog {
	return &ModelCatalog{source: source, cache: cache, ttl: ttl}
}

func (c *ModelCatalog) ListModels(ctx context.Context) ([]llm.Model, error) {
	return GetOrLoad(ctx, c.cache, "models:list", c.ttl, c.source.ListModels)
}

func (c *ModelCatalog) GetModel(ctx context.Context, id string) (*llm.Model, error) {
	return GetOrLoad(ctx, c.cache, "models:card:"+id, c.ttl, func(ctx context.Context) (*llm.Model, error) {
		return c.source.GetModel(ctx, id)
	})
}
