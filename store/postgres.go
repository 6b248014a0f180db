package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bacteria-ingest/bacteria"
	"bacteria-ingest/ingest"
)

type PostgresOptions struct {
	DSN        string
	Schema     string // default public
	MaxConns   int    // default 2
	ViaBouncer bool   // simple protocol, no server-side prepared statements
}

// Postgres is the batch gateway, run reporter and read side over one pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	schema := strings.TrimSpace(opts.Schema)
	if schema == "" {
		schema = "public"
	}
	if !isSafeIdent(schema) {
		return nil, fmt.Errorf("unsafe schema name %q", schema)
	}
	cfg, err := pgxpool.ParseConfig(NormalizeDSN(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("PG_DSN parse: %w", err)
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("PG connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PG ping: %w", err)
	}
	return &Postgres{pool: pool, schema: schema}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// NormalizeDSN adds sslmode=require for Neon hosts that did not set a mode.
func NormalizeDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if !strings.Contains(dsn, "neon.tech") || strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn + " sslmode=require"
	}
	q := u.Query()
	q.Set("sslmode", "require")
	u.RawQuery = q.Encode()
	return u.String()
}

// EnsureSchema creates the schema and tables when missing. It is not a
// migration: existing tables are left as they are.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	var cols strings.Builder
	for _, name := range bacteria.ColumnNames() {
		fmt.Fprintf(&cols, "  %q %s,\n", name, columnTypes[name])
	}
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS "%[1]s";

CREATE TABLE IF NOT EXISTS "%[1]s".bacteria (
  id bigserial PRIMARY KEY,
  bacteria_id varchar(20) NOT NULL UNIQUE,
%[2]s  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS bacteria_name_idx ON "%[1]s".bacteria (name);

CREATE TABLE IF NOT EXISTS "%[1]s".scrape_logs (
  run_id uuid PRIMARY KEY,
  start_time timestamptz NOT NULL DEFAULT now(),
  end_time timestamptz,
  total_urls int NOT NULL DEFAULT 0,
  successful_scrapes int NOT NULL DEFAULT 0,
  failed_scrapes int NOT NULL DEFAULT 0,
  error_message text,
  scraping_delay double precision
);
`, p.schema, cols.String())
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema %s: %w", p.schema, err)
	}
	return nil
}

// ───────── batch gateway ─────────

// Apply writes the batch in one transaction. Any failing statement rolls
// back every record of the batch.
func (p *Postgres) Apply(ctx context.Context, batch []bacteria.Record, policy bacteria.DuplicatePolicy) error {
	if len(batch) == 0 {
		return nil
	}
	if _, err := bacteria.ParsePolicy(string(policy)); err != nil {
		return err
	}
	return runInTx(ctx, p.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, rec := range batch {
			if rec.BacteriaID == "" {
				return errors.New("record without bacteria_id")
			}
			if policy == bacteria.PolicyForce {
				b.Queue(fmt.Sprintf(`DELETE FROM "%s".bacteria WHERE bacteria_id = $1`, p.schema), rec.BacteriaID)
			}
			q, args := p.insertSQL(rec, policy)
			b.Queue(q, args...)
		}
		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("apply batch: %w", err)
			}
		}
		return br.Close()
	})
}

func (p *Postgres) insertSQL(rec bacteria.Record, policy bacteria.DuplicatePolicy) (string, []any) {
	cols := rec.Columns()
	names := []string{"bacteria_id"}
	marks := []string{"$1"}
	args := []any{rec.BacteriaID}
	for i, c := range cols {
		names = append(names, pgx.Identifier{c.Name}.Sanitize())
		marks = append(marks, fmt.Sprintf("$%d", i+2))
		args = append(args, c.Value)
	}
	q := fmt.Sprintf(`INSERT INTO "%s".bacteria (%s) VALUES (%s)`,
		p.schema, strings.Join(names, ", "), strings.Join(marks, ", "))

	switch policy {
	case bacteria.PolicySkip:
		q += ` ON CONFLICT (bacteria_id) DO NOTHING`
	case bacteria.PolicyUpdate:
		sets := make([]string, 0, len(cols)+1)
		for _, c := range cols {
			id := pgx.Identifier{c.Name}.Sanitize()
			sets = append(sets, id+" = EXCLUDED."+id)
		}
		sets = append(sets, "updated_at = now()")
		q += ` ON CONFLICT (bacteria_id) DO UPDATE SET ` + strings.Join(sets, ", ")
	}
	return q, args
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ───────── run reporter ─────────

func (p *Postgres) StartRun(ctx context.Context, s *ingest.RunSummary) error {
	q := fmt.Sprintf(`
INSERT INTO "%s".scrape_logs (run_id, start_time, scraping_delay)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING
`, p.schema)
	_, err := p.pool.Exec(ctx, q, s.ID, s.StartTime, s.Delay.Seconds())
	return err
}

func (p *Postgres) UpdateRun(ctx context.Context, s *ingest.RunSummary) error {
	q := fmt.Sprintf(`
UPDATE "%s".scrape_logs
SET total_urls=$2,
    successful_scrapes=$3,
    failed_scrapes=$4
WHERE run_id=$1
`, p.schema)
	_, err := p.pool.Exec(ctx, q, s.ID, s.TotalDiscovered, s.SuccessfulCount, s.FailedCount)
	return err
}

func (p *Postgres) FinishRun(ctx context.Context, s *ingest.RunSummary) error {
	q := fmt.Sprintf(`
UPDATE "%s".scrape_logs
SET end_time=$2,
    total_urls=$3,
    successful_scrapes=$4,
    failed_scrapes=$5,
    error_message=$6
WHERE run_id=$1
`, p.schema)
	_, err := p.pool.Exec(ctx, q, s.ID, valOrNil(s.EndTime),
		s.TotalDiscovered, s.SuccessfulCount, s.FailedCount, valOrNil(s.ErrorMessage))
	return err
}

// ───────── read side ─────────

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	q := fmt.Sprintf(`
SELECT count(*),
       count(*) FILTER (WHERE is_pathogen = true),
       count(*) FILTER (WHERE is_pathogen = false),
       count(*) FILTER (WHERE gram_stain = 'Positive'),
       count(*) FILTER (WHERE gram_stain = 'Negative')
FROM "%s".bacteria
`, p.schema)
	var s Stats
	err := p.pool.QueryRow(ctx, q).Scan(&s.Total, &s.Pathogenic, &s.NonPathogenic, &s.GramPositive, &s.GramNegative)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// Get loads one record by bacteria_id.
func (p *Postgres) Get(ctx context.Context, bacteriaID string) (Row, bool, error) {
	names := bacteria.ColumnNames()
	sel := make([]string, len(names))
	for i, n := range names {
		sel[i] = pgx.Identifier{n}.Sanitize()
	}
	q := fmt.Sprintf(`SELECT id, bacteria_id, created_at, updated_at, %s FROM "%s".bacteria WHERE bacteria_id = $1`,
		strings.Join(sel, ", "), p.schema)
	rows, err := p.pool.Query(ctx, q, bacteriaID)
	if err != nil {
		return Row{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Row{}, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return Row{}, false, err
	}
	var row Row
	row.ID, _ = vals[0].(int64)
	row.BacteriaID, _ = vals[1].(string)
	row.CreatedAt, _ = vals[2].(time.Time)
	row.UpdatedAt, _ = vals[3].(time.Time)
	for i, n := range names {
		if err := row.Assign(n, vals[i+4]); err != nil {
			return Row{}, false, err
		}
	}
	return row, true, rows.Err()
}

func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func valOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
