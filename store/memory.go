package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"bacteria-ingest/bacteria"
	"bacteria-ingest/ingest"
)

// Memory is an in-process store with the same policy and rollback semantics
// as Postgres.
type Memory struct {
	// BeforeWrite, when set, is called for every record inside Apply. An
	// error aborts the batch as a failing statement would.
	BeforeWrite func(bacteria.Record) error
	// Now stamps created_at and updated_at. Defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	rows    map[string]Row
	nextID  int64
	runs    map[uuid.UUID]ingest.RunSummary
	applied [][]string
}

func NewMemory() *Memory {
	return &Memory{
		rows: map[string]Row{},
		runs: map[uuid.UUID]ingest.RunSummary{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Apply stages the batch on a copy and swaps it in only when every record
// succeeded.
func (m *Memory) Apply(ctx context.Context, batch []bacteria.Record, policy bacteria.DuplicatePolicy) error {
	if len(batch) == 0 {
		return nil
	}
	if _, err := bacteria.ParsePolicy(string(policy)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]Row, len(m.rows)+len(batch))
	for k, v := range m.rows {
		staged[k] = v
	}
	nextID := m.nextID
	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.BacteriaID == "" {
			return errors.New("record without bacteria_id")
		}
		if m.BeforeWrite != nil {
			if err := m.BeforeWrite(rec); err != nil {
				return err
			}
		}
		ids = append(ids, rec.BacteriaID)
		now := m.now()
		existing, ok := staged[rec.BacteriaID]
		switch {
		case ok && policy == bacteria.PolicySkip:
			continue
		case ok && policy == bacteria.PolicyUpdate:
			existing.Record = existing.Merge(rec)
			existing.UpdatedAt = now
			staged[rec.BacteriaID] = existing
			continue
		case ok && policy == bacteria.PolicyForce:
			delete(staged, rec.BacteriaID)
		}
		nextID++
		staged[rec.BacteriaID] = Row{Record: withDefaults(rec), ID: nextID, CreatedAt: now, UpdatedAt: now}
	}
	m.rows = staged
	m.nextID = nextID
	m.applied = append(m.applied, ids)
	return nil
}

// withDefaults fills absent boolean columns the way the table defaults do.
func withDefaults(rec bacteria.Record) bacteria.Record {
	set := map[string]bool{}
	for _, c := range rec.Columns() {
		set[c.Name] = true
	}
	for col, v := range defaults {
		if !set[col] {
			_ = rec.Assign(col, v)
		}
	}
	return rec
}

// Applied returns the ids of every committed batch in order.
func (m *Memory) Applied() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.applied))
	for i, b := range m.applied {
		out[i] = append([]string(nil), b...)
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Memory) Get(_ context.Context, bacteriaID string) (Row, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[bacteriaID]
	return r, ok, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, r := range m.rows {
		s.Total++
		if p, ok := r.IsPathogen.Get(); ok {
			if p {
				s.Pathogenic++
			} else {
				s.NonPathogenic++
			}
		}
		switch g, _ := r.GramStain.Get(); g {
		case "Positive":
			s.GramPositive++
		case "Negative":
			s.GramNegative++
		}
	}
	return s, nil
}

func (m *Memory) StartRun(_ context.Context, s *ingest.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[s.ID]; !ok {
		m.runs[s.ID] = *s
	}
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, s *ingest.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[s.ID]
	if !ok {
		return nil
	}
	r.TotalDiscovered = s.TotalDiscovered
	r.SuccessfulCount = s.SuccessfulCount
	r.FailedCount = s.FailedCount
	m.runs[s.ID] = r
	return nil
}

func (m *Memory) FinishRun(_ context.Context, s *ingest.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[s.ID]
	if !ok {
		return nil
	}
	r.EndTime = s.EndTime
	r.TotalDiscovered = s.TotalDiscovered
	r.SuccessfulCount = s.SuccessfulCount
	r.FailedCount = s.FailedCount
	r.ErrorMessage = s.ErrorMessage
	m.runs[s.ID] = r
	return nil
}

// Run returns the stored run row.
func (m *Memory) Run(id uuid.UUID) (ingest.RunSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}
