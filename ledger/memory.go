package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger 进程内账本，用于测试与未配置数据库的部署
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
	updates map[string]int
	now     func() time.Time
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*Record),
		updates: make(map[string]int),
		now:     time.Now,
	}
}

func (m *MemoryLedger) LogRequest(ctx context.Context, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	m.records[cp.JobID] = &cp
	return cp.JobID, nil
}

func (m *MemoryLedger) UpdateRequest(ctx context.Context, jobID string, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return ErrJobNotFound
	}
	u.apply(rec, m.now().UTC())
	m.updates[jobID]++
	return nil
}

// Get 返回 job 记录的副本
func (m *MemoryLedger) Get(jobID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[jobID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// UpdateCount 返回 job 收到的终态更新次数
func (m *MemoryLedger) UpdateCount(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates[jobID]
}

// Records 按创建时间返回全部记录
func (m *MemoryLedger) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
