package ledger

import (
	"context"
	"errors"
	"time"
)

// CollectionName 是请求账本的集合名 / 表名
const CollectionName = "llm_requests"

var (
	// ErrJobNotFound 更新了不存在的 job
	ErrJobNotFound = errors.New("ledger: job not found")
	// ErrAlreadyFinished 同一 job 的第二次终态更新
	ErrAlreadyFinished = errors.New("ledger: job already finished")
)

// Record 是一次外部请求的账本记录。
// 分发前只写入请求期字段；终态字段（状态码、延迟、usage、错误）
// 在分发结束后通过 Update 写入一次。
type Record struct {
	JobID         string  `json:"job_id" bson:"job_id"`
	UserID        string  `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Provider      string  `json:"provider" bson:"provider"`
	Operation     string  `json:"operation" bson:"operation"`
	Endpoint      string  `json:"endpoint" bson:"endpoint"`
	Model         string  `json:"model,omitempty" bson:"model,omitempty"`
	Stream        bool    `json:"stream" bson:"stream"`
	RequestHash   *string `json:"request_hash" bson:"request_hash"`
	RequestBytes  int     `json:"request_bytes" bson:"request_bytes"`
	MessagesCount *int    `json:"messages_count" bson:"messages_count"`
	InputCount    *int    `json:"input_count" bson:"input_count"`

	StatusCode         *int           `json:"status_code" bson:"status_code"`
	LatencyMs          *int64         `json:"latency_ms" bson:"latency_ms"`
	Usage              map[string]any `json:"usage" bson:"usage"`
	ProviderResponseID *string        `json:"provider_response_id" bson:"provider_response_id"`
	FinishReason       *string        `json:"finish_reason" bson:"finish_reason"`
	Error              *string        `json:"error" bson:"error"`

	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// Update 是分发结束后的终态字段
type Update struct {
	StatusCode         int
	Latency            time.Duration
	Usage              map[string]any
	ProviderResponseID *string
	FinishReason       *string
	Error              *string
}

// LatencyMs 返回毫秒延迟
func (u Update) LatencyMs() int64 {
	return u.Latency.Milliseconds()
}

// Fields 返回以列名为键的更新字段。
// error 只在非空时写入，其余终态字段总是写入（可以为 null）。
func (u Update) Fields() map[string]any {
	fields := map[string]any{
		"status_code":          u.StatusCode,
		"latency_ms":           u.LatencyMs(),
		"usage":                u.Usage,
		"provider_response_id": u.ProviderResponseID,
		"finish_reason":        u.FinishReason,
	}
	if u.Error != nil {
		fields["error"] = *u.Error
	}
	return fields
}

// apply 把 Update 应用到 Record 上
func (u Update) apply(r *Record, now time.Time) {
	status := u.StatusCode
	latency := u.LatencyMs()
	r.StatusCode = &status
	r.LatencyMs = &latency
	r.Usage = u.Usage
	r.ProviderResponseID = u.ProviderResponseID
	r.FinishReason = u.FinishReason
	if u.Error != nil {
		msg := *u.Error
		r.Error = &msg
	}
	r.UpdatedAt = &now
}

// Ledger 是请求账本的存储接口。
// LogRequest 写入分发前记录并返回 job_id，UpdateRequest 写入终态字段。
type Ledger interface {
	LogRequest(ctx context.Context, rec *Record) (string, error)
	UpdateRequest(ctx context.Context, jobID string, u Update) error
}

// StringPtr 返回 s 的指针
func StringPtr(s string) *string { return &s }

// IntPtr 返回 n 的指针
func IntPtr(n int) *int { return &n }
