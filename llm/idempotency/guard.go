package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

// HeaderName 客户端携带幂等键的请求头
const HeaderName = "Idempotency-Key"

// DefaultTTL 缓存结果的默认保留时间
const DefaultTTL = 24 * time.Hour

// Guard 让带 Idempotency-Key 的非流式对话请求在重放时返回首次结果，
// 不再调用上游。同一个键配不同请求体视为客户端错误。
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard 创建 Guard
func NewGuard(store Store, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:  store,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "idempotency")),
		now:    time.Now,
	}
}

// Key 幂等键按用户隔离
func Key(userID, idemKey string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + idemKey))
	return hex.EncodeToString(sum[:])
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NewKeyReusedError 同一幂等键被用于不同的请求体
func NewKeyReusedError() *types.Error {
	return types.NewError(types.ErrInvalidRequest, "Idempotency-Key was already used with a different request body").
		WithHTTPStatus(http.StatusUnprocessableEntity)
}

// Lookup 返回之前保存的结果。存储故障只记录日志，按未命中处理。
func (g *Guard) Lookup(ctx context.Context, userID, idemKey string, body []byte) (*llm.ChatCompletion, bool, error) {
	if idemKey == "" {
		return nil, false, nil
	}
	e, ok, err := g.store.Load(ctx, Key(userID, idemKey))
	if err != nil {
		g.logger.Warn("idempotency lookup failed", zap.Error(err))
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if e.Fingerprint != fingerprint(body) {
		return nil, false, NewKeyReusedError()
	}
	g.logger.Debug("idempotent replay", zap.String("completion_id", e.Completion.ID))
	return e.Completion, true, nil
}

// Remember 保存成功的结果
func (g *Guard) Remember(ctx context.Context, userID, idemKey string, body []byte, resp *llm.ChatCompletion) {
	if idemKey == "" || resp == nil {
		return
	}
	err := g.store.Save(ctx, Key(userID, idemKey), &Entry{
		Fingerprint: fingerprint(body),
		Completion:  resp,
		StoredAt:    g.now().UTC(),
	}, g.ttl)
	if err != nil {
		g.logger.Warn("failed to store idempotent result", zap.Error(err))
	}
}
