package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bacteria-ingest/bacteria"
)

// State is the orchestrator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateResuming
	StateProcessingBatch
	StateFinalizing
	StateDone
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateResuming:
		return "resuming"
	case StateProcessingBatch:
		return "processing_batch"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAborting:
		return "aborting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	BatchSize   int
	MaxItems    int // 0 keeps every discovered id
	MaxPages    int
	Policy      bacteria.DuplicatePolicy
	Delay       time.Duration // recorded on the run row
	RetryFailed bool          // forget failures before resuming
}

type Deps struct {
	Source   Source
	Fetcher  Fetcher
	Gateway  Gateway
	Progress ProgressStore
	Reporter Reporter // optional
	Observer Observer // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

type Orchestrator struct {
	cfg   Config
	src   Source
	fetch Fetcher
	gw    Gateway
	store ProgressStore
	rep   Reporter
	obs   Observer
	log   *slog.Logger
	now   func() time.Time

	state State
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.Policy == "" {
		cfg.Policy = bacteria.PolicyUpdate
	}
	if _, err := bacteria.ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if deps.Source == nil || deps.Fetcher == nil || deps.Gateway == nil || deps.Progress == nil {
		return nil, errors.New("source, fetcher, gateway and progress store are required")
	}
	o := &Orchestrator{
		cfg:   cfg,
		src:   deps.Source,
		fetch: deps.Fetcher,
		gw:    deps.Gateway,
		store: deps.Progress,
		rep:   deps.Reporter,
		obs:   deps.Observer,
		log:   deps.Logger,
		now:   deps.Now,
	}
	if o.rep == nil {
		o.rep = nopReporter{}
	}
	if o.obs == nil {
		o.obs = nopObserver{}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) setState(s State) {
	if o.state != s {
		o.log.Debug("state", "from", o.state.String(), "to", s.String())
	}
	o.state = s
}

// run carries the mutable state of one Run call.
type run struct {
	sum         *RunSummary
	ids         []string
	progress    *ProgressRecord // nil until loaded
	startCursor int
	dirty       bool // in-memory ledger differs from the last snapshot written
}

// Run executes one ingestion pass. Item and batch failures are recorded and
// never returned. A cancelled ctx, a discovery failure or a panic in any
// collaborator moves the run to Aborting: the run row and the ledger are
// flushed, then the cause is returned.
func (o *Orchestrator) Run(ctx context.Context) (sum *RunSummary, err error) {
	r := &run{sum: newRunSummary(o.now(), o.cfg.Delay), startCursor: -1}
	bg := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			sum, err = o.abort(bg, r, fmt.Errorf("%w: %v", ErrPanic, p))
		}
	}()

	if err := o.rep.StartRun(bg, r.sum); err != nil {
		o.setState(StateAborting)
		err = fmt.Errorf("start run: %w", err)
		end := o.now()
		msg := err.Error()
		r.sum.EndTime = &end
		r.sum.ErrorMessage = &msg
		return r.sum, err
	}
	o.log.Info("run started", "run_id", r.sum.ID.String(), "batch_size", o.cfg.BatchSize,
		"policy", o.cfg.Policy.String())

	// Discovering
	o.setState(StateDiscovering)
	ids, err := o.src.Discover(ctx, o.cfg.MaxPages)
	if err != nil {
		if ctx.Err() != nil {
			return o.abort(bg, r, ErrInterrupted)
		}
		return o.abort(bg, r, fmt.Errorf("discover: %w", err))
	}
	if o.cfg.MaxItems > 0 && len(ids) > o.cfg.MaxItems {
		ids = ids[:o.cfg.MaxItems]
	}
	r.ids = ids
	r.sum.TotalDiscovered = len(ids)
	o.log.Info("discovery finished", "items", len(ids))

	// Resuming
	o.setState(StateResuming)
	r.progress = o.store.Load()
	if o.cfg.RetryFailed {
		n := r.progress.ResetFailed()
		r.dirty = true
		o.log.Info("cleared failed ids for retry", "count", n)
	}
	r.startCursor = r.progress.Cursor
	o.syncCounts(r)

	b := o.cfg.BatchSize
	startBatch := (r.progress.Cursor + 1) / b
	totalBatches := (len(ids) + b - 1) / b
	if startBatch > 0 {
		o.log.Info("resuming", "from_batch", startBatch+1, "of", totalBatches, "position", startBatch*b)
	}

	for idx := startBatch; idx < totalBatches; idx++ {
		if ctx.Err() != nil {
			return o.abort(bg, r, ErrInterrupted)
		}
		o.setState(StateProcessingBatch)
		if err := o.processBatch(ctx, r, idx, totalBatches); err != nil {
			return o.abort(bg, r, err)
		}
	}

	// Finalizing
	o.setState(StateFinalizing)
	if len(ids) > 0 {
		// Every position has an outcome once all batches are through.
		before := r.progress.Cursor
		r.progress.Advance(len(ids) - 1)
		if r.progress.Cursor != before {
			r.dirty = true
		}
	}
	if r.dirty {
		o.checkpoint(r)
	}
	end := o.now()
	r.sum.EndTime = &end
	o.syncCounts(r)
	if err := o.rep.FinishRun(bg, r.sum); err != nil {
		o.setState(StateDone)
		return r.sum, fmt.Errorf("finish run: %w", err)
	}
	o.setState(StateDone)
	o.log.Info("run finished", "summary", r.sum)
	return r.sum, nil
}

func (o *Orchestrator) processBatch(ctx context.Context, r *run, idx, total int) error {
	started := o.now()
	lo := idx * o.cfg.BatchSize
	hi := min(lo+o.cfg.BatchSize, len(r.ids))

	var todo []string
	for _, id := range r.ids[lo:hi] {
		if !r.progress.Done(id) {
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 {
		o.log.Info("batch already processed, skipping", "batch", idx+1, "of", total)
		if hi-1 > r.progress.Cursor {
			r.progress.Advance(hi - 1)
			r.dirty = true
		}
		r.sum.BatchesSkipped++
		return nil
	}
	o.log.Info("processing batch", "batch", idx+1, "of", total, "items", len(todo), "positions", fmt.Sprintf("%d-%d", lo, hi-1))

	var (
		records []bacteria.Record
		okIDs   []string
		failIDs []string
	)
	for _, id := range todo {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		rec, err := o.scrape(ctx, id)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return ErrInterrupted
			}
			r.sum.Fetched++
			o.log.Warn("item failed", "bacteria_id", id, "err", err)
			failIDs = append(failIDs, id)
			continue
		}
		r.sum.Fetched++
		records = append(records, rec)
		okIDs = append(okIDs, id)
	}

	committed := true
	if len(records) > 0 {
		if err := o.gw.Apply(context.WithoutCancel(ctx), records, o.cfg.Policy); err != nil {
			o.log.Error("batch persistence failed, marking batch failed", "batch", idx+1, "items", len(records), "err", err)
			failIDs = append(failIDs, okIDs...)
			okIDs = nil
			committed = false
		}
	}
	for _, id := range okIDs {
		r.progress.MarkSuccess(id)
		o.obs.ItemDone(id, true)
	}
	for _, id := range failIDs {
		r.progress.MarkFailed(id)
		o.obs.ItemDone(id, false)
	}
	if committed {
		r.sum.BatchesCommitted++
	} else {
		r.sum.BatchesFailed++
	}

	r.progress.Advance(hi - 1)
	r.dirty = true
	o.checkpoint(r)

	o.syncCounts(r)
	if err := o.rep.UpdateRun(context.WithoutCancel(ctx), r.sum); err != nil {
		o.log.Warn("run row update failed", "err", err)
	}
	o.obs.BatchDone(idx, len(todo), committed, o.now().Sub(started))
	o.log.Info("batch done", "batch", idx+1, "of", total, "ok", len(okIDs), "failed", len(failIDs),
		"successful_total", r.sum.SuccessfulCount, "failed_total", r.sum.FailedCount)
	return nil
}

// scrape fetches and extracts one item and stamps the canonical id.
func (o *Orchestrator) scrape(ctx context.Context, id string) (bacteria.Record, error) {
	body, err := o.fetch.Fetch(ctx, o.src.DetailURL(id))
	if err != nil {
		return bacteria.Record{}, err
	}
	rec, err := o.extract(body)
	if err != nil {
		return bacteria.Record{}, err
	}
	if rec.Empty() {
		return bacteria.Record{}, ErrEmptyRecord
	}
	if rec.BacteriaID != "" && rec.BacteriaID != id {
		o.log.Warn("page id differs from work item, using work item", "work_item", id, "page_id", rec.BacteriaID)
	}
	rec.BacteriaID = id
	return rec, nil
}

func (o *Orchestrator) extract(body []byte) (rec bacteria.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrExtractPanic, p)
		}
	}()
	return o.src.Extract(body), nil
}

func (o *Orchestrator) checkpoint(r *run) {
	if err := o.store.Save(r.progress); err != nil {
		o.log.Error("progress save failed", "err", err)
		return
	}
	r.dirty = false
	o.obs.Checkpoint(r.progress.Cursor)
}

func (o *Orchestrator) syncCounts(r *run) {
	if r.progress == nil {
		return
	}
	r.sum.SuccessfulCount = r.progress.SuccessCount()
	r.sum.FailedCount = r.progress.FailedCount()
}

func (o *Orchestrator) abort(bg context.Context, r *run, cause error) (*RunSummary, error) {
	o.setState(StateAborting)
	o.log.Error("run aborting", "err", cause)

	if r.progress != nil {
		r.progress.Advance(r.startCursor)
		o.checkpoint(r)
	}
	end := o.now()
	msg := cause.Error()
	r.sum.EndTime = &end
	r.sum.ErrorMessage = &msg
	o.syncCounts(r)
	if err := o.rep.FinishRun(bg, r.sum); err != nil {
		o.log.Error("run row finish failed", "err", err)
	}
	return r.sum, cause
}

type nopReporter struct{}

func (nopReporter) StartRun(context.Context, *RunSummary) error  { return nil }
func (nopReporter) UpdateRun(context.Context, *RunSummary) error { return nil }
func (nopReporter) FinishRun(context.Context, *RunSummary) error { return nil }

type nopObserver struct{}

func (nopObserver) ItemDone(string, bool)                   {}
func (nopObserver) BatchDone(int, int, bool, time.Duration) {}
func (nopObserver) Checkpoint(int)                          {}
