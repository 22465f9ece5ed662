package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// requestRow 是 llm_requests 表的 GORM 模型
type requestRow struct {
	JobID              string `gorm:"primaryKey;size:64"`
	UserID             string `gorm:"size:128;index"`
	Provider           string `gorm:"size:64"`
	Operation          string `gorm:"size:64"`
	Endpoint           string `gorm:"size:255"`
	Model              string `gorm:"size:255;index"`
	Stream             bool
	RequestHash        *string `gorm:"size:64"`
	RequestBytes       int
	MessagesCount      *int
	InputCount         *int
	StatusCode         *int
	LatencyMs          *int64
	Usage              *string `gorm:"type:text"`
	ProviderResponseID *string `gorm:"size:255"`
	FinishReason       *string `gorm:"size:64"`
	Error              *string `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          *time.Time
}

func (requestRow) TableName() string { return CollectionName }

// SQLLedger 通过 GORM 把请求记录写入关系型数据库（postgres / mysql / sqlite）
type SQLLedger struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLLedger 创建 SQL 账本。表结构由 internal/migration 负责，
// 调用前需要先执行迁移。
func NewSQLLedger(db *gorm.DB, logger *zap.Logger) (*SQLLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLedger{
		db:     db,
		logger: logger.With(zap.String("component", "sql_ledger")),
		now:    time.Now,
	}, nil
}

func (s *SQLLedger) LogRequest(ctx context.Context, rec *Record) (string, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	row := requestRow{
		JobID:         rec.JobID,
		UserID:        rec.UserID,
		Provider:      rec.Provider,
		Operation:     rec.Operation,
		Endpoint:      rec.Endpoint,
		Model:         rec.Model,
		Stream:        rec.Stream,
		RequestHash:   rec.RequestHash,
		RequestBytes:  rec.RequestBytes,
		MessagesCount: rec.MessagesCount,
		InputCount:    rec.InputCount,
		CreatedAt:     rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("insert llm request: %w", err)
	}
	return rec.JobID, nil
}

func (s *SQLLedger) UpdateRequest(ctx context.Context, jobID string, u Update) error {
	var usage *string
	if u.Usage != nil {
		raw, err := json.Marshal(u.Usage)
		if err != nil {
			return fmt.Errorf("encode usage: %w", err)
		}
		str := string(raw)
		usage = &str
	}

	fields := map[string]any{
		"status_code":          u.StatusCode,
		"latency_ms":           u.LatencyMs(),
		"usage":                usage,
		"provider_response_id": u.ProviderResponseID,
		"finish_reason":        u.FinishReason,
		"updated_at":           s.now().UTC(),
	}
	if u.Error != nil {
		fields["error"] = *u.Error
	}

	res := s.db.WithContext(ctx).Model(&requestRow{}).Where("job_id = ?", jobID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update llm request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get 读取一条记录
func (s *SQLLedger) Get(ctx context.Context, jobID string) (*Record, error) {
	var row requestRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{
		JobID:              row.JobID,
		UserID:             row.UserID,
		Provider:           row.Provider,
		Operation:          row.Operation,
		Endpoint:           row.Endpoint,
		Model:              row.Model,
		Stream:             row.Stream,
		RequestHash:        row.RequestHash,
		RequestBytes:       row.RequestBytes,
		MessagesCount:      row.MessagesCount,
		InputCount:         row.InputCount,
		StatusCode:         row.StatusCode,
		LatencyMs:          row.LatencyMs,
		ProviderResponseID: row.ProviderResponseID,
		FinishReason:       row.FinishReason,
		Error:              row.Error,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.Usage != nil {
		if err := json.Unmarshal([]byte(*row.Usage), &rec.Usage); err != nil {
			s.logger.Warn("stored usage is not valid json", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return rec, nil
}
