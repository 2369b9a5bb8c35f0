package notify

import (
	"context"
	"time"

	"autotrader-core/internal/persistence"
	"autotrader-core/pkg/db"
)

// EventStore persists system events.
type EventStore interface {
	InsertSystemEvents(ctx context.Context, events []db.SystemEvent) error
}

// Recorder stores every alert in system_events through a batch writer.
type Recorder struct {
	writer *persistence.BatchWriter[db.SystemEvent]
	now    func() time.Time
}

// NewRecorder starts a recorder flushing every interval or every 50 events.
func NewRecorder(store EventStore, interval time.Duration) *Recorder {
	return &Recorder{
		writer: persistence.NewBatchWriter(store.InsertSystemEvents, 50, interval),
		now:    time.Now,
	}
}

// Alert implements Notifier.
func (r *Recorder) Alert(subject, message string, level Level) {
	r.writer.Write(db.SystemEvent{
		Level:     string(level),
		Subject:   subject,
		Message:   message,
		CreatedAt: r.now(),
	})
}

// Flush writes buffered events now.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.writer.Flush(ctx)
}

// Metrics exposes the underlying writer statistics.
func (r *Recorder) Metrics() persistence.BatchWriterMetrics {
	return r.writer.GetMetrics()
}

// Close flushes and stops the recorder.
func (r *Recorder) Close() error {
	return r.writer.Close()
}
