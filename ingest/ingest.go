// Package ingest drives a resumable, batch-at-a-time scrape: discover ids,
// fetch and extract each one, persist a batch in one transaction, then
// checkpoint the per-id outcome ledger before moving on.
//
// Batch membership is positional. Position i always belongs to batch i/B, so
// resuming is only safe when discovery returns the same ordering every run.
package ingest

import (
	"context"
	"errors"
	"time"

	"bacteria-ingest/bacteria"
)

var (
	// ErrInterrupted is returned by Run when the context was cancelled.
	ErrInterrupted = errors.New("interrupted by user")
	// ErrEmptyRecord marks an item whose page produced no attributes.
	ErrEmptyRecord = errors.New("extractor returned no data")
	// ErrExtractPanic marks an item whose extractor panicked.
	ErrExtractPanic = errors.New("extractor panicked")
	// ErrPanic wraps a panic recovered from a collaborator outside extraction.
	ErrPanic = errors.New("panic")
)

// Source discovers work items and extracts fetched pages.
type Source interface {
	Discover(ctx context.Context, maxPages int) ([]string, error)
	DetailURL(id string) string
	Extract(content []byte) bacteria.Record
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Gateway applies one batch atomically: all records are stored or none are.
type Gateway interface {
	Apply(ctx context.Context, batch []bacteria.Record, policy bacteria.DuplicatePolicy) error
}

// ProgressStore persists the outcome ledger between runs.
type ProgressStore interface {
	Load() *ProgressRecord
	Save(p *ProgressRecord) error
}

// Reporter keeps one mutable run row per invocation.
type Reporter interface {
	StartRun(ctx context.Context, s *RunSummary) error
	UpdateRun(ctx context.Context, s *RunSummary) error
	FinishRun(ctx context.Context, s *RunSummary) error
}

// Observer receives per-item and per-batch outcomes. Optional.
type Observer interface {
	ItemDone(id string, ok bool)
	BatchDone(index, size int, committed bool, took time.Duration)
	Checkpoint(cursor int)
}
