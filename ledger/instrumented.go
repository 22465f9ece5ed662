package ledger

import "context"

// WriteRecorder 接收账本写入结果，metrics.Collector 满足该接口
type WriteRecorder interface {
	RecordLedgerWrite(operation string, err error)
}

type instrumented struct {
	Ledger
	rec WriteRecorder
}

// Instrument 为 l 的每次写入上报结果；rec 为 nil 时原样返回 l
func Instrument(l Ledger, rec WriteRecorder) Ledger {
	if rec == nil {
		return l
	}
	return &instrumented{Ledger: l, rec: rec}
}

func (i *instrumented) LogRequest(ctx context.Context, r *Record) (string, error) {
	id, err := i.Ledger.LogRequest(ctx, r)
	i.rec.RecordLedgerWrite("log", err)
	return id, err
}

func (i *instrumented) UpdateRequest(ctx context.Context, jobID string, u Update) error {
	err := i.Ledger.UpdateRequest(ctx, jobID, u)
	i.rec.RecordLedgerWrite("update", err)
	return err
}
