package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/BaSui01/llmgateway/internal/database"
	"github.com/BaSui01/llmgateway/internal/migration"
)

func newRecord() *Record {
	return &Record{
		UserID:        "user-1",
		Provider:      "openrouter",
		Operation:     "chat.completions",
		Endpoint:      "/chat/completions",
		Model:         "mistral-small",
		RequestHash:   StringPtr("abc"),
		RequestBytes:  42,
		MessagesCount: IntPtr(1),
	}
}

// =============================================================================
// Job
// =============================================================================

func TestJob_FinishOnce(t *testing.T) {
	mem := NewMemoryLedger()
	job, err := Begin(context.Background(), mem, newRecord(), zap.NewNop())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID())

	rec, ok := mem.Get(job.ID())
	require.True(t, ok)
	assert.Nil(t, rec.StatusCode)
	assert.Nil(t, rec.LatencyMs)
	assert.False(t, rec.CreatedAt.IsZero())

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job.Finish(context.Background(), Update{StatusCode: 200, Latency: 15 * time.Millisecond}) == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, 1, mem.UpdateCount(job.ID()))
	assert.True(t, job.Finished())
	assert.ErrorIs(t, job.Finish(context.Background(), Update{StatusCode: 500}), ErrAlreadyFinished)

	rec, _ = mem.Get(job.ID())
	require.NotNil(t, rec.StatusCode)
	assert.Equal(t, 200, *rec.StatusCode)
	assert.Equal(t, int64(15), *rec.LatencyMs)
	assert.NotNil(t, rec.UpdatedAt)
}

func TestJob_FinishAfterCancel(t *testing.T) {
	mem := NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	job, err := Begin(ctx, mem, newRecord(), nil)
	require.NoError(t, err)

	cancel()
	require.NoError(t, job.Finish(ctx, Update{StatusCode: 200, Error: StringPtr("client disconnected")}))

	rec, _ := mem.Get(job.ID())
	assert.Equal(t, "client disconnected", *rec.Error)
}

type failingLedger struct{ err error }

func (f failingLedger) LogRequest(ctx context.Context, rec *Record) (string, error) {
	return "", f.err
}

func (f failingLedger) UpdateRequest(ctx context.Context, jobID string, u Update) error {
	return f.err
}

func TestBegin_LedgerError(t *testing.T) {
	_, err := Begin(context.Background(), failingLedger{err: errors.New("down")}, newRecord(), nil)
	require.EqualError(t, err, "down")
}

// =============================================================================
// MemoryLedger
// =============================================================================

func TestMemoryLedger_UpdateUnknownJob(t *testing.T) {
	mem := NewMemoryLedger()
	assert.ErrorIs(t, mem.UpdateRequest(context.Background(), "ghost", Update{}), ErrJobNotFound)
}

func TestMemoryLedger_ErrorFieldOnlyWhenSet(t *testing.T) {
	mem := NewMemoryLedger()
	rec := newRecord()
	rec.JobID = "job-1"
	_, err := mem.LogRequest(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, mem.UpdateRequest(context.Background(), "job-1", Update{
		StatusCode:         200,
		Usage:              map[string]any{"total_tokens": 3},
		ProviderResponseID: StringPtr("gen-1"),
		FinishReason:       StringPtr("stop"),
	}))

	got, _ := mem.Get("job-1")
	assert.Nil(t, got.Error)
	assert.Equal(t, "gen-1", *got.ProviderResponseID)
	assert.Equal(t, 3, got.Usage["total_tokens"])
	assert.Len(t, mem.Records(), 1)
}

func TestUpdate_Fields(t *testing.T) {
	fields := Update{StatusCode: 502, Latency: 2 * time.Second, Error: StringPtr("dial tcp")}.Fields()
	assert.Equal(t, 502, fields["status_code"])
	assert.Equal(t, int64(2000), fields["latency_ms"])
	assert.Equal(t, "dial tcp", fields["error"])
	assert.Contains(t, fields, "usage")

	fields = Update{StatusCode: 200}.Fields()
	assert.NotContains(t, fields, "error")
}

// =============================================================================
// SQLLedger
// =============================================================================

func newSQLLedger(t *testing.T) *SQLLedger {
	t.Helper()
	cfg := database.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "ledger.db"),
		Pool:   database.DefaultPoolConfig(),
	}
	m, err := migration.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, m.Close())

	pool, err := database.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	l, err := NewSQLLedger(pool.DB(), zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestSQLLedger_Lifecycle(t *testing.T) {
	l := newSQLLedger(t)
	ctx := context.Background()

	job, err := Begin(ctx, l, newRecord(), nil)
	require.NoError(t, err)

	rec, err := l.Get(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, "mistral-small", rec.Model)
	assert.Nil(t, rec.StatusCode)
	assert.Nil(t, rec.Usage)

	require.NoError(t, job.Finish(ctx, Update{
		StatusCode:   401,
		Latency:      120 * time.Millisecond,
		Error:        StringPtr(`{"error":{"message":"bad key"}}`),
		FinishReason: nil,
	}))

	rec, err = l.Get(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, 401, *rec.StatusCode)
	assert.Equal(t, int64(120), *rec.LatencyMs)
	assert.Contains(t, *rec.Error, "bad key")
	assert.NotNil(t, rec.UpdatedAt)
}

func TestSQLLedger_UsageRoundTrip(t *testing.T) {
	l := newSQLLedger(t)
	ctx := context.Background()
	rec := newRecord()
	rec.JobID = "job-usage"
	_, err := l.LogRequest(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, l.UpdateRequest(ctx, "job-usage", Update{
		StatusCode: 200,
		Usage:      map[string]any{"prompt_tokens": 2, "completion_tokens": 3},
	}))

	got, err := l.Get(ctx, "job-usage")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Usage["completion_tokens"])
}

func TestSQLLedger_UnknownJob(t *testing.T) {
	l := newSQLLedger(t)
	assert.ErrorIs(t, l.UpdateRequest(context.Background(), "ghost", Update{StatusCode: 200}), ErrJobNotFound)
	_, err := l.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// =============================================================================
// MongoLedger documents
// =============================================================================

func TestRecordDocument(t *testing.T) {
	rec := newRecord()
	rec.JobID = "job-1"
	rec.UserID = "65a1b2c3d4e5f60718293a4b"

	doc := recordDocument(rec)
	assert.IsType(t, bson.ObjectID{}, doc["user_id"])
	assert.Equal(t, "job-1", doc["job_id"])
	assert.Contains(t, doc, "status_code")
	assert.Nil(t, doc["status_code"])

	rec.UserID = "apikey-1234"
	assert.Equal(t, "apikey-1234", recordDocument(rec)["user_id"])
}

func TestUpdateDocument(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := updateDocument(Update{StatusCode: 200, Latency: time.Second}, now)
	set, ok := doc["$set"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, now, set["updated_at"])
	assert.Equal(t, int64(1000), set["latency_ms"])
	assert.NotContains(t, set, "error")
}

type writeCounts struct {
	mu   sync.Mutex
	seen []string
}

func (w *writeCounts) RecordLedgerWrite(op string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := "ok"
	if err != nil {
		result = "error"
	}
	w.seen = append(w.seen, op+":"+result)
}

func TestInstrument(t *testing.T) {
	mem := NewMemoryLedger()
	assert.Same(t, mem, Instrument(mem, nil))

	counts := &writeCounts{}
	l := Instrument(mem, counts)
	job, err := Begin(context.Background(), l, newRecord(), nil)
	require.NoError(t, err)
	require.NoError(t, job.Finish(context.Background(), Update{StatusCode: 200}))
	require.Error(t, l.UpdateRequest(context.Background(), "missing", Update{StatusCode: 500}))

	assert.Equal(t, []string{"log:ok", "update:ok", "update:error"}, counts.seen)
}
