package ingest

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunSummary is the per-invocation run row. Counts are the ledger totals at
// the time of the last update, so a resumed run reports cumulative figures.
type RunSummary struct {
	ID              uuid.UUID
	StartTime       time.Time
	EndTime         *time.Time
	TotalDiscovered int
	SuccessfulCount int
	FailedCount     int
	ErrorMessage    *string
	Delay           time.Duration

	// Per-run figures, not persisted.
	Fetched          int
	BatchesCommitted int
	BatchesFailed    int
	BatchesSkipped   int
}

func newRunSummary(now time.Time, delay time.Duration) *RunSummary {
	return &RunSummary{ID: uuid.New(), StartTime: now, Delay: delay}
}

func (s *RunSummary) Failed() bool { return s.ErrorMessage != nil }

func (s *RunSummary) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *RunSummary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", s.ID.String()),
		slog.Int("discovered", s.TotalDiscovered),
		slog.Int("successful", s.SuccessfulCount),
		slog.Int("failed", s.FailedCount),
		slog.Int("fetched", s.Fetched),
		slog.Int("batches_committed", s.BatchesCommitted),
		slog.Int("batches_failed", s.BatchesFailed),
		slog.Int("batches_skipped", s.BatchesSkipped),
	}
	if s.EndTime != nil {
		attrs = append(attrs, slog.Duration("took", s.Duration()))
	}
	if s.ErrorMessage != nil {
		attrs = append(attrs, slog.String("error", *s.ErrorMessage))
	}
	return slog.GroupValue(attrs...)
}
