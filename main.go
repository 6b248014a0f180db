// Command bacteria-ingest discovers MiMeDB bacteria records, scrapes them in
// resumable batches and upserts them into Postgres.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bacteria-ingest/adapters"
	"bacteria-ingest/ingest"
	"bacteria-ingest/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			fmt.Fprintf(os.Stderr, "received %s, finishing current item\n", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries the process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: 2, err: err} }
func runErr(err error) error   { return &exitError{code: 1, err: err} }

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, "error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 2 // cobra flag/arg parse errors
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg := &config{}
	var fe flagEnv

	prepare := func(cmd *cobra.Command) error {
		if err := applyConfigFile(cmd.Flags(), fe, cfg.configFile); err != nil {
			return usageErr(err)
		}
		if err := cfg.validate(); err != nil {
			return usageErr(err)
		}
		return nil
	}

	root := &cobra.Command{
		Use:           "bacteria-ingest",
		Short:         "Resumable batch ingestion of MiMeDB bacteria records into Postgres",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := prepare(cmd); err != nil {
				return err
			}
			return runIngest(cmd.Context(), cfg, stdout, stderr)
		},
	}
	fe = bindFlags(root.PersistentFlags(), cfg)

	show := &cobra.Command{
		Use:   "show <bacteria-id>",
		Short: "Print one stored record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := prepare(cmd); err != nil {
				return err
			}
			return runShow(cmd.Context(), cfg, args[0], stdout, stderr)
		},
	}
	root.AddCommand(show)
	return root
}

// ───────── Logging ─────────

func newLogger(cfg *config, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		return nil, nil, usageErr(fmt.Errorf("--log-level: %w", err))
	}
	w := stderr
	closeFn := func() {}
	if cfg.logFile != "" {
		f, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, runErr(fmt.Errorf("open log file: %w", err))
		}
		w = io.MultiWriter(stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.jsonLogs {
		return slog.New(slog.NewJSONHandler(w, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closeFn, nil
}

// ───────── Storage ─────────

// backend is what the CLI needs from a store.
type backend interface {
	ingest.Gateway
	ingest.Reporter
	Stats(ctx context.Context) (store.Stats, error)
	Get(ctx context.Context, bacteriaID string) (store.Row, bool, error)
}

func openBackend(ctx context.Context, cfg *config, log *slog.Logger) (backend, func(), error) {
	if cfg.dryRun {
		log.Info("dry run: using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.OpenPostgres(ctx, store.PostgresOptions{
		DSN:        cfg.pgDSN,
		Schema:     cfg.pgSchema,
		MaxConns:   cfg.pgMaxConns,
		ViaBouncer: cfg.pgViaBouncer,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.initDB {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("init db: %w", err)
		}
		log.Info("schema ready", "schema", cfg.pgSchema)
	}
	return pg, pg.Close, nil
}

// ───────── Commands ─────────

func runIngest(ctx context.Context, cfg *config, stdout, stderr io.Writer) error {
	log, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	db, closeDB, err := openBackend(ctx, cfg, log)
	if err != nil {
		return runErr(err)
	}
	defer closeDB()

	if cfg.statsOnly {
		st, err := db.Stats(ctx)
		if err != nil {
			return runErr(fmt.Errorf("stats: %w", err))
		}
		printStats(stdout, st)
		return nil
	}

	lock, err := acquireLock(cfg.progressFile+".lock", cfg.lockTTL)
	if err != nil {
		return runErr(err)
	}
	defer lock.Release()

	progress := ingest.NewFileStore(cfg.progressFile, log)
	if cfg.resetProgress {
		if err := progress.Reset(); err != nil {
			return runErr(fmt.Errorf("reset progress: %w", err))
		}
		log.Info("progress reset", "path", progress.Path())
	}

	m := NewMetrics(256)
	fetcher := newFetcher(cfg, m, log)
	src := adapters.NewMimeDB(adapters.MimeDBOptions{BaseURL: cfg.baseURL, Fetcher: fetcher, Logger: log})

	orch, err := ingest.New(ingest.Config{
		BatchSize:   cfg.batchSize,
		MaxItems:    cfg.maxBacteria,
		MaxPages:    cfg.maxPages,
		Policy:      cfg.policy(),
		Delay:       cfg.delay,
		RetryFailed: cfg.retryFailed,
	}, ingest.Deps{
		Source:   src,
		Fetcher:  fetcher,
		Gateway:  db,
		Progress: progress,
		Reporter: db,
		Observer: m,
		Logger:   log,
	})
	if err != nil {
		return usageErr(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.metricsAddr != "" {
		srv = newMetricsServer(cfg.metricsAddr, m)
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	var sum *ingest.RunSummary
	g.Go(func() error {
		if srv != nil {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
		}
		var err error
		sum, err = orch.Run(gctx)
		return err
	})
	werr := g.Wait()

	if sum != nil {
		printSummary(stdout, sum, cfg.jsonLogs)
	}
	if werr != nil {
		return runErr(werr)
	}
	return nil
}

func newFetcher(cfg *config, m *Metrics, log *slog.Logger) adapters.Fetcher {
	if strings.EqualFold(cfg.source, "mock") {
		log.Info("using mock source", "base_url", cfg.baseURL)
		return adapters.NewMockFetcher(adapters.MockFetcherOptions{})
	}
	return adapters.NewHTTPFetcher(adapters.HTTPFetcherOptions{
		UserAgent: cfg.userAgent,
		Delay:     cfg.delay,
		Retries:   cfg.retries,
		Timeout:   cfg.timeout,
		RPS:       cfg.rps,
		OnAttempt: m.RecordAttempt,
		Logger:    log,
	})
}

func runShow(ctx context.Context, cfg *config, id string, stdout, stderr io.Writer) error {
	log, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	db, closeDB, err := openBackend(ctx, cfg, log)
	if err != nil {
		return runErr(err)
	}
	defer closeDB()

	row, ok, err := db.Get(ctx, id)
	if err != nil {
		return runErr(fmt.Errorf("get %s: %w", id, err))
	}
	if !ok {
		return runErr(fmt.Errorf("bacteria %s not found", id))
	}
	b, err := json.MarshalIndent(row, "", "  ")
	if err != nil {
		return runErr(err)
	}
	fmt.Fprintln(stdout, string(b))
	return nil
}

// ───────── Output ─────────

func printStats(w io.Writer, s store.Stats) {
	fmt.Fprintln(w, "Database statistics:")
	fmt.Fprintf(w, "- Total bacteria: %d\n", s.Total)
	if s.Total == 0 {
		fmt.Fprintln(w, "- No bacteria in database")
		return
	}
	fmt.Fprintf(w, "- Pathogenic: %d (%.1f%%)\n", s.Pathogenic, s.Percent(s.Pathogenic))
	fmt.Fprintf(w, "- Non-pathogenic: %d (%.1f%%)\n", s.NonPathogenic, s.Percent(s.NonPathogenic))
	fmt.Fprintf(w, "- Gram positive: %d (%.1f%%)\n", s.GramPositive, s.Percent(s.GramPositive))
	fmt.Fprintf(w, "- Gram negative: %d (%.1f%%)\n", s.GramNegative, s.Percent(s.GramNegative))
}

func printSummary(w io.Writer, s *ingest.RunSummary, asJSON bool) {
	status := "ok"
	if s.Failed() {
		status = "aborted"
	}
	fmt.Fprintf(w, "run_id=%s status=%s discovered=%d successful=%d failed=%d fetched=%d batches_committed=%d batches_failed=%d batches_skipped=%d took=%s\n",
		s.ID, status, s.TotalDiscovered, s.SuccessfulCount, s.FailedCount, s.Fetched,
		s.BatchesCommitted, s.BatchesFailed, s.BatchesSkipped, s.Duration().Round(time.Millisecond))
	if !asJSON {
		return
	}
	out := map[string]any{
		"run_id":            s.ID.String(),
		"status":            status,
		"discovered":        s.TotalDiscovered,
		"successful":        s.SuccessfulCount,
		"failed":            s.FailedCount,
		"fetched":           s.Fetched,
		"batches_committed": s.BatchesCommitted,
		"batches_failed":    s.BatchesFailed,
		"batches_skipped":   s.BatchesSkipped,
		"took_ms":           s.Duration().Milliseconds(),
	}
	if s.ErrorMessage != nil {
		out["error"] = *s.ErrorMessage
	}
	b, _ := json.Marshal(out)
	fmt.Fprintln(w, string(b))
}
