package embedding

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
)

// Mode 嵌入生成方式
type Mode string

const (
	// ModeDirect 通过编排层解析 Provider 并同步调用
	ModeDirect Mode = "direct"
	// ModeBatch 通过 OpenAI Batch API 异步生成
	ModeBatch Mode = "batch"
)

// Generator 是直接模式依赖的嵌入接口，ChatOrchestrator 满足该接口
type Generator interface {
	CreateEmbeddings(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

// Service 生成嵌入并按请求格式输出
type Service struct {
	mode   Mode
	gen    Generator
	batch  *BatchClient
	logger *zap.Logger
}

// NewService 创建嵌入服务。batch 为 nil 时批量模式退化为离线桩向量。
func NewService(mode Mode, gen Generator, batch *BatchClient, logger *zap.Logger) *Service {
	if mode == "" {
		mode = ModeDirect
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		mode:   mode,
		gen:    gen,
		batch:  batch,
		logger: logger.With(zap.String("component", "embeddings")),
	}
}

// Mode 返回生成方式
func (s *Service) Mode() Mode { return s.mode }

// Generate 生成嵌入。空输入在调用任何 Provider 之前返回 InvalidPayloadError。
func (s *Service) Generate(ctx context.Context, req Request) (*Vectors, error) {
	if len(req.Inputs) == 0 {
		return nil, llm.NewInvalidPayloadError("input must not be empty")
	}

	var (
		v   *Vectors
		err error
	)
	switch s.mode {
	case ModeBatch:
		v, err = s.generateBatch(ctx, req)
	default:
		v, err = s.generateDirect(ctx, req)
	}
	if err != nil {
		s.logger.Warn("embedding generation failed",
			zap.String("job_id", req.JobID),
			zap.String("model", req.Model),
			zap.Error(err))
		return nil, err
	}
	return v, nil
}

func (s *Service) generateDirect(ctx context.Context, req Request) (*Vectors, error) {
	resp, err := s.gen.CreateEmbeddings(ctx, &llm.EmbeddingRequest{Model: req.Model, Inputs: req.Inputs})
	if err != nil {
		return nil, err
	}

	items := make([]Item, len(req.Inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(items) {
			continue
		}
		obj := d.Object
		if obj == "" {
			obj = "embedding"
		}
		items[d.Index] = Item{Object: obj, Embedding: d.Embedding}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &Vectors{Model: model, Inputs: req.Inputs, Items: items, Usage: resp.Usage}, nil
}

func (s *Service) generateBatch(ctx context.Context, req Request) (*Vectors, error) {
	model := NormalizeBatchModel(req.Model)
	if s.batch == nil {
		return &Vectors{Model: model, Inputs: req.Inputs, Items: offlineItems(len(req.Inputs))}, nil
	}
	items, err := s.batch.Embed(ctx, model, req.Inputs, req.JobID)
	if err != nil {
		return nil, err
	}
	return &Vectors{Model: model, Inputs: req.Inputs, Items: items}, nil
}

// offlineItems 未配置上游时的确定性桩向量
func offlineItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Object: "embedding", Embedding: []float64{0.1, 0.2, 0.3}}
	}
	return items
}

func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
