package taskstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/batch"
	"github.com/lyndonlyu/workhorse/internal/redact"
	"github.com/lyndonlyu/workhorse/internal/scheduler"
)

const recordKey = "tasks"

// Recorder persists terminal scheduler tasks. Concurrent completions are
// coalesced so a burst lands in one transaction.
type Recorder struct {
	store    *Store
	batcher  *batch.Coalescer[string, Record, struct{}]
	redactor *redact.Redactor
}

type RecorderOption func(*Recorder)

// WithRedactor scrubs error text before it is written.
func WithRedactor(rd *redact.Redactor) RecorderOption {
	return func(r *Recorder) { r.redactor = rd }
}

// NewRecorder wraps store; cfg bounds how long a record may wait for
// company before it is written.
func NewRecorder(store *Store, cfg batch.Config, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	for _, o := range opts {
		o(r)
	}
	batchOpts := []batch.Option{batch.WithName("taskstore")}
	if logger != nil {
		batchOpts = append(batchOpts, batch.WithLogger(logger))
	}
	r.batcher = batch.New(cfg, r.flush, batchOpts...)
	return r
}

// Record implements scheduler.Recorder.
func (r *Recorder) Record(ctx context.Context, t scheduler.Task) error {
	rec := FromTask(t)
	rec.Error = r.redactor.Redact(rec.Error)
	_, err := r.batcher.Submit(ctx, recordKey, rec)
	return err
}

// Close writes anything still pending.
func (r *Recorder) Close(ctx context.Context) error {
	return r.batcher.Close(ctx)
}

// Stats exposes the coalescer counters.
func (r *Recorder) Stats() batch.Stats {
	return r.batcher.Stats()
}

func (r *Recorder) flush(ctx context.Context, _ string, records []Record) ([]struct{}, error) {
	if err := r.store.Insert(ctx, records); err != nil {
		return nil, err
	}
	return make([]struct{}, len(records)), nil
}

// FromTask converts a scheduler snapshot into a Record. CompletedAt stays
// empty for tasks that are still live.
func FromTask(t scheduler.Task) Record {
	r := Record{
		ID:          t.ID,
		Class:       t.Class,
		Name:        t.Name,
		Status:      string(t.Status),
		QueuedAt:    formatTime(t.QueuedAt),
		StartedAt:   formatTime(t.StartedAt),
		CompletedAt: formatTime(t.CompletedAt),
	}
	if t.Err != nil {
		r.Error = t.Err.Error()
	}
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		r.DurationMs = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	}
	if t.Status.IsTerminal() && r.CompletedAt == "" {
		r.CompletedAt = formatTime(time.Now())
	}
	return r
}

var _ scheduler.Recorder = (*Recorder)(nil)
