package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"bacteria-ingest/adapters"
	"bacteria-ingest/bacteria"
)

// ───────── Defaults ─────────

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultLockTTL   = 10 * time.Minute
)

// ───────── Config ─────────

type config struct {
	source    string // mimedb|mock
	baseURL   string
	userAgent string

	batchSize   int
	delay       time.Duration
	retries     int
	timeout     time.Duration
	rps         float64
	maxPages    int
	maxBacteria int

	progressFile    string
	resetProgress   bool
	retryFailed     bool
	statsOnly       bool
	duplicateAction string
	initDB          bool
	dryRun          bool

	// DB
	pgDSN        string
	pgSchema     string
	pgMaxConns   int
	pgViaBouncer bool

	metricsAddr string
	jsonLogs    bool
	logLevel    string
	logFile     string
	lockTTL     time.Duration

	configFile string
}

// envValue returns def when key is unset or does not parse.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func envString(key, def string) string {
	return envValue(key, def, func(s string) (string, error) { return s, nil })
}

func envInt(key string, def int) int { return envValue(key, def, strconv.Atoi) }

func envFloat(key string, def float64) float64 {
	return envValue(key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envBool(key string, def bool) bool { return envValue(key, def, parseBool) }

func envDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, parseSeconds)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// parseSeconds accepts a Go duration ("1500ms") or a plain number of seconds ("2.5").
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// secondsValue is a pflag.Value for durations that also takes bare seconds.
type secondsValue time.Duration

func (d *secondsValue) Set(s string) error {
	v, err := parseSeconds(s)
	if err != nil {
		return err
	}
	*d = secondsValue(v)
	return nil
}

func (d *secondsValue) String() string { return time.Duration(*d).String() }
func (d *secondsValue) Type() string   { return "duration" }

// flagEnv maps each flag to the env vars that can set it.
type flagEnv map[string][]string

func (fe flagEnv) fromEnv(name string) bool {
	for _, k := range fe[name] {
		if strings.TrimSpace(os.Getenv(k)) != "" {
			return true
		}
	}
	return false
}

func bindFlags(fs *pflag.FlagSet, cfg *config) flagEnv {
	fe := flagEnv{}
	env := func(name string, keys ...string) string {
		fe[name] = keys
		return " Env: " + strings.Join(keys, ", ")
	}
	dur := func(p *time.Duration, name, key string, def time.Duration, usage string) {
		*p = envDuration(key, def)
		fs.Var((*secondsValue)(p), name, usage+" (plain numbers are seconds)."+env(name, key))
	}

	fs.StringVar(&cfg.source, "source", envString("SOURCE", "mimedb"), "Page source: mimedb|mock (offline synthetic pages)."+env("source", "SOURCE"))
	fs.StringVar(&cfg.baseURL, "base-url", envString("MIMEDB_BASE_URL", adapters.DefaultBaseURL), "MiMeDB base URL."+env("base-url", "MIMEDB_BASE_URL"))
	fs.StringVar(&cfg.userAgent, "user-agent", envString("SCRAPER_USER_AGENT", defaultUserAgent), "User-Agent header for page fetches."+env("user-agent", "SCRAPER_USER_AGENT"))

	fs.IntVar(&cfg.batchSize, "batch-size", envInt("BATCH_SIZE", 10), "Records per transactional batch."+env("batch-size", "BATCH_SIZE"))
	dur(&cfg.delay, "delay", "SCRAPING_DELAY", 2*time.Second, "Wait before every request attempt")
	fs.IntVar(&cfg.retries, "retries", envInt("FETCH_RETRIES", 3), "Attempts per page."+env("retries", "FETCH_RETRIES"))
	dur(&cfg.timeout, "timeout", "FETCH_TIMEOUT", 120*time.Second, "Per-attempt HTTP timeout")
	fs.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 0), "Extra request ceiling (requests/sec). 0=delay only."+env("rps", "REQUEST_RPS"))
	fs.IntVar(&cfg.maxPages, "max-pages", envInt("MAX_PAGES", 5), "Listing pages to discover."+env("max-pages", "MAX_PAGES"))
	fs.IntVar(&cfg.maxBacteria, "max-bacteria", envInt("MAX_BACTERIA", 0), "Process at most this many discovered ids (0 = all)."+env("max-bacteria", "MAX_BACTERIA"))

	fs.StringVar(&cfg.progressFile, "progress-file", envString("PROGRESS_FILE", "scraper_progress.json"), "Resumable progress snapshot."+env("progress-file", "PROGRESS_FILE"))
	fs.BoolVar(&cfg.resetProgress, "reset-progress", envBool("RESET_PROGRESS", false), "Delete the progress snapshot and start over."+env("reset-progress", "RESET_PROGRESS"))
	fs.BoolVar(&cfg.retryFailed, "retry-failed", envBool("RETRY_FAILED", false), "Forget failed ids so they are fetched again."+env("retry-failed", "RETRY_FAILED"))
	fs.BoolVar(&cfg.statsOnly, "stats-only", envBool("STATS_ONLY", false), "Print database statistics and exit."+env("stats-only", "STATS_ONLY"))
	fs.StringVar(&cfg.duplicateAction, "duplicate-action", envString("DUPLICATE_ACTION", "update"), "Existing records: update|skip|force."+env("duplicate-action", "DUPLICATE_ACTION"))
	fs.BoolVar(&cfg.initDB, "init-db", envBool("INIT_DB", false), "Create schema and tables if missing."+env("init-db", "INIT_DB"))
	fs.BoolVar(&cfg.dryRun, "dry-run", envBool("DRY_RUN", false), "Use an in-memory store; nothing is written to Postgres."+env("dry-run", "DRY_RUN"))

	fs.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", envString("DATABASE_URL", "")), "Postgres DSN."+env("pg-dsn", "PG_DSN", "DATABASE_URL"))
	fs.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema."+env("pg-schema", "PG_SCHEMA"))
	fs.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "DB max connections."+env("pg-max-conns", "PG_MAX_CONNS"))
	fs.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", envBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling."+env("pg-via-bouncer", "PG_VIA_BOUNCER"))

	fs.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060."+env("metrics", "METRICS_ADDR"))
	fs.BoolVar(&cfg.jsonLogs, "json-logs", envBool("JSON_LOGS", false), "JSON log lines plus a JSON summary line."+env("json-logs", "JSON_LOGS"))
	fs.StringVar(&cfg.logLevel, "log-level", envString("LOG_LEVEL", "info"), "debug|info|warn|error."+env("log-level", "LOG_LEVEL"))
	fs.StringVar(&cfg.logFile, "log-file", envString("LOG_FILE", ""), "Also append logs to this file."+env("log-file", "LOG_FILE"))
	dur(&cfg.lockTTL, "lock-ttl", "LOCK_TTL", defaultLockTTL, "Treat a lock file older than this as stale")

	fs.StringVar(&cfg.configFile, "config", envString("INGEST_CONFIG", ""), "YAML settings file; keys are flag names."+env("config", "INGEST_CONFIG"))
	return fe
}

// applyConfigFile fills flags that were set neither on the command line nor
// through their env var.
func applyConfigFile(fs *pflag.FlagSet, fe flagEnv, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var settings map[string]any
	if err := yaml.Unmarshal(b, &settings); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		f := fs.Lookup(name)
		if f == nil || name == "config" {
			return fmt.Errorf("config %s: unknown setting %q", path, name)
		}
		if f.Changed || fe.fromEnv(name) {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(settings[name])); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, name, err)
		}
	}
	return nil
}

var errConfig = errors.New("invalid configuration")

func (c *config) validate() error {
	var problems []string
	switch strings.ToLower(strings.TrimSpace(c.source)) {
	case "mimedb", "mock":
	default:
		problems = append(problems, fmt.Sprintf("--source must be mimedb or mock, got %q", c.source))
	}
	if c.batchSize < 1 {
		problems = append(problems, "--batch-size must be >= 1")
	}
	if c.retries < 1 {
		problems = append(problems, "--retries must be >= 1")
	}
	if c.delay < 0 {
		problems = append(problems, "--delay must be >= 0")
	}
	if c.maxPages < 0 || c.maxBacteria < 0 {
		problems = append(problems, "--max-pages and --max-bacteria must be >= 0")
	}
	if _, err := bacteria.ParsePolicy(c.duplicateAction); err != nil {
		problems = append(problems, "--duplicate-action: "+err.Error())
	}
	if !c.dryRun && strings.TrimSpace(c.pgDSN) == "" {
		problems = append(problems, "--pg-dsn / PG_DSN (or DATABASE_URL) is required unless --dry-run")
	}
	if strings.TrimSpace(c.progressFile) == "" {
		problems = append(problems, "--progress-file must not be empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *config) policy() bacteria.DuplicatePolicy {
	p, _ := bacteria.ParsePolicy(c.duplicateAction)
	return p
}
