package main

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotLatencies(t *testing.T) {
	m := NewMetrics(8)
	p50, p95 := m.SnapshotLatencies()
	require.Zero(t, p50)
	require.Zero(t, p95)

	for _, ms := range []float64{5, 1, 4, 2, 3} {
		m.RecordRequest(200, ms)
	}
	p50, p95 = m.SnapshotLatencies()
	require.Equal(t, 3.0, p50)
	require.InDelta(t, 4.8, p95, 1e-9)
}

func TestMetricsLatencyRingWraps(t *testing.T) {
	m := NewMetrics(4)
	for _, ms := range []float64{1000, 1000, 10, 20, 30, 40} {
		m.RecordRequest(200, ms)
	}
	p50, p95 := m.SnapshotLatencies()
	require.Equal(t, 25.0, p50)
	require.Less(t, p95, 41.0)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics(8)
	m.RecordAttempt(200, 40*time.Millisecond)
	m.RecordAttempt(503, 10*time.Millisecond)
	m.RecordAttempt(0, time.Millisecond)
	m.ItemDone("a", true)
	m.ItemDone("b", true)
	m.ItemDone("c", false)
	m.BatchDone(0, 3, true, 120*time.Millisecond)
	m.BatchDone(1, 2, false, time.Millisecond)
	m.Checkpoint(9)

	rec := httptest.NewRecorder()
	metricsMux(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	for _, line := range []string{
		`ingest_http_requests_total{code="0"} 1`,
		`ingest_http_requests_total{code="200"} 1`,
		`ingest_http_requests_total{code="503"} 1`,
		`ingest_items_total{outcome="success"} 2`,
		`ingest_items_total{outcome="failed"} 1`,
		`ingest_batches_total{outcome="committed"} 1`,
		`ingest_batches_total{outcome="failed"} 1`,
		`ingest_progress_cursor 9`,
		`ingest_checkpoints_total 1`,
	} {
		require.Contains(t, out, line)
	}
}
