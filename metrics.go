package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"
)

// ───────── Metrics (Prometheus) ─────────

// Metrics collects fetch attempts and batch outcomes for /metrics.
type Metrics struct {
	mu sync.Mutex

	// Page fetches (listing + detail)
	reqTotalByCode map[int]uint64
	latSamplesMs   []float64
	latIdx         int
	latCount       int

	// Work items & batches
	itemsOK          uint64
	itemsFailed      uint64
	batchesCommitted uint64
	batchesFailed    uint64
	lastBatchMs      float64
	cursor           int
	checkpoints      uint64

	start time.Time
}

func NewMetrics(win int) *Metrics {
	if win <= 0 {
		win = 256
	}
	return &Metrics{
		reqTotalByCode: make(map[int]uint64, 8),
		latSamplesMs:   make([]float64, win),
		cursor:         -1,
		start:          time.Now(),
	}
}

// RecordAttempt matches adapters.AttemptFunc.
func (m *Metrics) RecordAttempt(code int, d time.Duration) {
	m.RecordRequest(code, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) RecordRequest(code int, ms float64) {
	m.mu.Lock()
	m.reqTotalByCode[code]++
	m.latSamplesMs[m.latIdx] = ms
	m.latIdx = (m.latIdx + 1) % len(m.latSamplesMs)
	if m.latCount < len(m.latSamplesMs) {
		m.latCount++
	}
	m.mu.Unlock()
}

// SnapshotLatencies interpolates p50/p95 over the current ring contents.
func (m *Metrics) SnapshotLatencies() (p50, p95 float64) {
	m.mu.Lock()
	buf := append([]float64(nil), m.latSamplesMs[:m.latCount]...)
	m.mu.Unlock()
	if len(buf) == 0 {
		return 0, 0
	}
	sort.Float64s(buf)
	at := func(q float64) float64 {
		pos := q * float64(len(buf)-1)
		i := int(pos)
		if i >= len(buf)-1 {
			return buf[len(buf)-1]
		}
		return buf[i] + (buf[i+1]-buf[i])*(pos-float64(i))
	}
	return at(0.50), at(0.95)
}

func (m *Metrics) ItemDone(_ string, ok bool) {
	m.mu.Lock()
	if ok {
		m.itemsOK++
	} else {
		m.itemsFailed++
	}
	m.mu.Unlock()
}

func (m *Metrics) BatchDone(_, _ int, committed bool, took time.Duration) {
	m.mu.Lock()
	if committed {
		m.batchesCommitted++
	} else {
		m.batchesFailed++
	}
	m.lastBatchMs = float64(took) / float64(time.Millisecond)
	m.mu.Unlock()
}

func (m *Metrics) Checkpoint(cursor int) {
	m.mu.Lock()
	m.cursor = cursor
	m.checkpoints++
	m.mu.Unlock()
}

// WritePrometheus renders the text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	p50, p95 := m.SnapshotLatencies()

	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]int, 0, len(m.reqTotalByCode))
	for c := range m.reqTotalByCode {
		codes = append(codes, c)
	}
	sort.Ints(codes)

	fmt.Fprintf(w, "# HELP ingest_http_requests_total Page fetch attempts by status code (0 = transport error)\n")
	fmt.Fprintf(w, "# TYPE ingest_http_requests_total counter\n")
	for _, code := range codes {
		fmt.Fprintf(w, "ingest_http_requests_total{code=\"%d\"} %d\n", code, m.reqTotalByCode[code])
	}
	fmt.Fprintf(w, "# HELP ingest_http_latency_ms_p50 50th percentile latency\n# TYPE ingest_http_latency_ms_p50 gauge\ningest_http_latency_ms_p50 %f\n", p50)
	fmt.Fprintf(w, "# HELP ingest_http_latency_ms_p95 95th percentile latency\n# TYPE ingest_http_latency_ms_p95 gauge\ningest_http_latency_ms_p95 %f\n", p95)
	fmt.Fprintf(w, "# HELP ingest_items_total Work items by outcome\n# TYPE ingest_items_total counter\n")
	fmt.Fprintf(w, "ingest_items_total{outcome=\"success\"} %d\n", m.itemsOK)
	fmt.Fprintf(w, "ingest_items_total{outcome=\"failed\"} %d\n", m.itemsFailed)
	fmt.Fprintf(w, "# HELP ingest_batches_total Batches by persistence outcome\n# TYPE ingest_batches_total counter\n")
	fmt.Fprintf(w, "ingest_batches_total{outcome=\"committed\"} %d\n", m.batchesCommitted)
	fmt.Fprintf(w, "ingest_batches_total{outcome=\"failed\"} %d\n", m.batchesFailed)
	fmt.Fprintf(w, "# HELP ingest_last_batch_ms Wall time of the last batch\n# TYPE ingest_last_batch_ms gauge\ningest_last_batch_ms %f\n", m.lastBatchMs)
	fmt.Fprintf(w, "# HELP ingest_progress_cursor Last checkpointed position\n# TYPE ingest_progress_cursor gauge\ningest_progress_cursor %d\n", m.cursor)
	fmt.Fprintf(w, "# HELP ingest_checkpoints_total Progress snapshots written\n# TYPE ingest_checkpoints_total counter\ningest_checkpoints_total %d\n", m.checkpoints)
	fmt.Fprintf(w, "# HELP ingest_uptime_seconds Seconds since start\n# TYPE ingest_uptime_seconds gauge\ningest_uptime_seconds %f\n", time.Since(m.start).Seconds())
}

// ───────── Embedded metrics server ─────────

func metricsMux(m *Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})

	for path, h := range map[string]http.HandlerFunc{
		"/debug/pprof/":        pprof.Index,
		"/debug/pprof/cmdline": pprof.Cmdline,
		"/debug/pprof/profile": pprof.Profile,
		"/debug/pprof/symbol":  pprof.Symbol,
		"/debug/pprof/trace":   pprof.Trace,
	} {
		mux.HandleFunc(path, h)
	}
	return mux
}

func newMetricsServer(addr string, m *Metrics) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           metricsMux(m),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
