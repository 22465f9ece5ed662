package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job 关联一次请求的分发前写入与分发后更新。
// Finish 对每个 job 只生效一次，无论从哪条退出路径调用。
type Job struct {
	ledger Ledger
	id     string
	logger *zap.Logger

	once     sync.Once
	finished bool
	mu       sync.Mutex
}

// Begin 生成 job_id（rec.JobID 为空时），写入分发前记录
func Begin(ctx context.Context, l Ledger, rec *Record, logger *zap.Logger) (*Job, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec.JobID == "" {
		rec.JobID = uuid.NewString()
	}
	id, err := l.LogRequest(ctx, rec)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = rec.JobID
	}
	return &Job{
		ledger: l,
		id:     id,
		logger: logger.With(zap.String("job_id", id)),
	}, nil
}

// ID 返回 job_id
func (j *Job) ID() string { return j.id }

// Finished 报告终态更新是否已经写入
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Finish 写入终态更新。第二次及之后的调用返回 ErrAlreadyFinished 且不写账本。
// 写入不受 ctx 取消影响：客户端断开时仍要落账。
func (j *Job) Finish(ctx context.Context, u Update) error {
	err := ErrAlreadyFinished
	j.once.Do(func() {
		j.mu.Lock()
		j.finished = true
		j.mu.Unlock()

		err = j.ledger.UpdateRequest(context.WithoutCancel(ctx), j.id, u)
		if err != nil {
			j.logger.Error("failed to finalize request record",
				zap.Int("status_code", u.StatusCode),
				zap.Error(err))
			return
		}
		j.logger.Debug("request record finalized",
			zap.Int("status_code", u.StatusCode),
			zap.Int64("latency_ms", u.LatencyMs()))
	})
	return err
}
