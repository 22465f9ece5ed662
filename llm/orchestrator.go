package llm

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/llmgateway/types"
)

// DefaultProviderName is the provider used when resolution finds no match.
const DefaultProviderName = "mistral"

// MetricsRecorder receives one observation per provider call.
type MetricsRecorder interface {
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
}

// OrchestratorOptions configures a ChatOrchestrator.
type OrchestratorOptions struct {
	// DefaultProvider 解析失败时的兜底 Provider 名称，为空时使用 "mistral"
	DefaultProvider string
	Metrics         MetricsRecorder
	Logger          *zap.Logger
}

// ChatOrchestrator 负责 Provider 解析与调用转发。
// 不做结果转换：适配器已经输出规范结构。
type ChatOrchestrator struct {
	registry        *ProviderRegistry
	defaultProvider string
	metrics         MetricsRecorder
	tracer          oteltrace.Tracer
	logger          *zap.Logger
}

// NewChatOrchestrator creates an orchestrator over registry.
func NewChatOrchestrator(registry *ProviderRegistry, opts OrchestratorOptions) *ChatOrchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = DefaultProviderName
	}
	return &ChatOrchestrator{
		registry:        registry,
		defaultProvider: opts.DefaultProvider,
		metrics:         opts.Metrics,
		tracer:          otel.Tracer("llmgateway/llm"),
		logger:          opts.Logger.With(zap.String("component", "orchestrator")),
	}
}

// Registry exposes the underlying provider registry.
func (o *ChatOrchestrator) Registry() *ProviderRegistry {
	return o.registry
}

// ResolveProvider resolves model, falling back to the default provider on a miss.
func (o *ChatOrchestrator) ResolveProvider(model string) (Provider, string, error) {
	p, normalized := o.registry.Resolve(model)
	if p != nil {
		return p, normalized, nil
	}
	if fallback, ok := o.registry.Get(o.defaultProvider); ok {
		o.logger.Debug("model resolved to default provider",
			zap.String("model", model),
			zap.String("provider", o.defaultProvider))
		return fallback, normalized, nil
	}
	return nil, normalized, NewProviderResolutionError(model)
}

// Complete performs a buffered chat completion.
func (o *ChatOrchestrator) Complete(ctx context.Context, req *ChatRequest) (*ChatCompletion, error) {
	p, model, err := o.ResolveProvider(req.Model)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "llm.completion", oteltrace.WithAttributes(
		attribute.String("llm.provider", p.Name()),
		attribute.String("llm.model", model),
	))
	defer span.End()

	start := time.Now()
	resp, err := p.Completion(ctx, req.WithModel(model))
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(p.Name(), model, "error", duration, ChatUsage{})
		o.logger.Warn("completion failed",
			zap.String("provider", p.Name()),
			zap.String("model", model),
			zap.Error(err))
		return nil, err
	}
	o.record(p.Name(), model, "success", duration, resp.Usage)
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}

// Stream starts a streamed completion and tags each item with jobID.
// The returned channel closes after the item carrying a finish reason or an error.
func (o *ChatOrchestrator) Stream(ctx context.Context, req *ChatRequest, jobID string) (<-chan StreamItem, error) {
	p, model, err := o.ResolveProvider(req.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	src, err := p.Stream(ctx, req.WithModel(model))
	if err != nil {
		o.record(p.Name(), model, "error", time.Since(start), ChatUsage{})
		return nil, err
	}

	out := make(chan StreamItem)
	go func() {
		defer close(out)
		status := "success"
		for c := range TerminateStream(ctx, src) {
			if c.Err != nil {
				status = "error"
			}
			select {
			case out <- StreamItem{StreamChunk: c, JobID: jobID}:
			case <-ctx.Done():
				status = "cancelled"
			}
		}
		o.record(p.Name(), model, status, time.Since(start), ChatUsage{})
	}()
	return out, nil
}

// ListModels aggregates model cards from every registered provider.
// A provider that fails is logged and skipped.
func (o *ChatOrchestrator) ListModels(ctx context.Context) ([]Model, error) {
	providers := o.registry.Providers()
	results := make([][]Model, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			models, err := p.ListModels(gctx)
			if err != nil {
				o.logger.Warn("list models failed",
					zap.String("provider", p.Name()),
					zap.Error(err))
				return nil
			}
			results[i] = models
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []Model
	for _, models := range results {
		all = append(all, models...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Provider != all[j].Provider {
			return all[i].Provider < all[j].Provider
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

// GetModel resolves id and asks the owning provider for its card.
func (o *ChatOrchestrator) GetModel(ctx context.Context, id string) (*Model, error) {
	p, model, err := o.ResolveProvider(id)
	if err != nil {
		if types.IsErrorCode(err, types.ErrProviderResolution) {
			return nil, NewModelNotFoundError("", id)
		}
		return nil, err
	}
	return p.GetModel(ctx, model)
}

// CreateEmbeddings resolves req.Model and forwards to the owning provider.
func (o *ChatOrchestrator) CreateEmbeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	p, model, err := o.ResolveProvider(req.Model)
	if err != nil {
		return nil, err
	}
	cp := *req
	cp.Model = model
	return p.CreateEmbeddings(ctx, &cp)
}

func (o *ChatOrchestrator) record(provider, model, status string, d time.Duration, usage ChatUsage) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordLLMRequest(provider, model, status, d, usage.PromptTokens, usage.CompletionTokens)
}
