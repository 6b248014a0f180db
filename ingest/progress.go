package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// ProgressRecord is the resumable outcome ledger. Cursor is the highest
// position fully accounted for, or -1 when nothing is.
type ProgressRecord struct {
	Cursor     int
	successful map[string]struct{}
	failed     map[string]struct{}
}

func NewProgress() *ProgressRecord {
	return &ProgressRecord{
		Cursor:     -1,
		successful: map[string]struct{}{},
		failed:     map[string]struct{}{},
	}
}

// Done reports whether id already has an outcome.
func (p *ProgressRecord) Done(id string) bool {
	if _, ok := p.successful[id]; ok {
		return true
	}
	_, ok := p.failed[id]
	return ok
}

func (p *ProgressRecord) Succeeded(id string) bool {
	_, ok := p.successful[id]
	return ok
}

func (p *ProgressRecord) Failed(id string) bool {
	_, ok := p.failed[id]
	return ok
}

// MarkSuccess records id as successful. A prior failure wins.
func (p *ProgressRecord) MarkSuccess(id string) {
	if _, ok := p.failed[id]; ok {
		return
	}
	p.successful[id] = struct{}{}
}

// MarkFailed records id as failed, removing any success.
func (p *ProgressRecord) MarkFailed(id string) {
	delete(p.successful, id)
	p.failed[id] = struct{}{}
}

// ResetFailed forgets every failure and rewinds the cursor so all batches are
// revisited. Successful ids stay skipped.
func (p *ProgressRecord) ResetFailed() int {
	n := len(p.failed)
	p.failed = map[string]struct{}{}
	p.Cursor = -1
	return n
}

func (p *ProgressRecord) SuccessCount() int { return len(p.successful) }
func (p *ProgressRecord) FailedCount() int  { return len(p.failed) }

// Advance moves the cursor forward. It never moves backwards.
func (p *ProgressRecord) Advance(cursor int) {
	if cursor > p.Cursor {
		p.Cursor = cursor
	}
}

func (p *ProgressRecord) Clone() *ProgressRecord {
	c := NewProgress()
	c.Cursor = p.Cursor
	for id := range p.successful {
		c.successful[id] = struct{}{}
	}
	for id := range p.failed {
		c.failed[id] = struct{}{}
	}
	return c
}

type progressJSON struct {
	LastProcessedIdx int      `json:"last_processed_idx"`
	SuccessfulIDs    []string `json:"successful_ids"`
	FailedIDs        []string `json:"failed_ids"`
}

func (p *ProgressRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(progressJSON{
		LastProcessedIdx: p.Cursor,
		SuccessfulIDs:    sortedKeys(p.successful),
		FailedIDs:        sortedKeys(p.failed),
	})
}

func (p *ProgressRecord) UnmarshalJSON(b []byte) error {
	var raw struct {
		LastProcessedIdx *int     `json:"last_processed_idx"`
		SuccessfulIDs    []string `json:"successful_ids"`
		FailedIDs        []string `json:"failed_ids"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.LastProcessedIdx == nil {
		return errors.New("missing last_processed_idx")
	}
	if *raw.LastProcessedIdx < -1 {
		return fmt.Errorf("last_processed_idx %d out of range", *raw.LastProcessedIdx)
	}
	fresh := NewProgress()
	fresh.Cursor = *raw.LastProcessedIdx
	for _, id := range raw.SuccessfulIDs {
		fresh.successful[id] = struct{}{}
	}
	// Failed wins on overlap so the two sets stay disjoint.
	for _, id := range raw.FailedIDs {
		fresh.MarkFailed(id)
	}
	*p = *fresh
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// File-backed store
// ─────────────────────────────────────────────────────────────────────────────

// FileStore keeps the ledger as a JSON snapshot. Every save replaces the file
// atomically, so a crash leaves either the old or the new snapshot.
type FileStore struct {
	path string
	log  *slog.Logger
}

func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Path() string { return s.path }

// Load returns the saved ledger, or a fresh one when the file is missing or
// unreadable. It never fails.
func (s *FileStore) Load() *ProgressRecord {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Error("progress file unreadable, starting fresh", "path", s.path, "err", err)
		}
		return NewProgress()
	}
	p := NewProgress()
	if err := json.Unmarshal(b, p); err != nil {
		s.log.Error("progress file corrupt, starting fresh", "path", s.path, "err", err)
		return NewProgress()
	}
	s.log.Info("progress loaded", "path", s.path, "cursor", p.Cursor,
		"successful", p.SuccessCount(), "failed", p.FailedCount())
	return p
}

func (s *FileStore) Save(p *ProgressRecord) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}

// Reset deletes the snapshot. A missing file is not an error.
func (s *FileStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove progress %s: %w", s.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
