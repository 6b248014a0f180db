package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"bacteria-ingest/store"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func mockArgs(progress string, extra ...string) []string {
	return append([]string{
		"--dry-run", "--source", "mock", "--delay", "0",
		"--batch-size", "5", "--progress-file", progress,
	}, extra...)
}

func TestCLIDryRunMockResumes(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")

	code, out, errOut := runCLI(t, mockArgs(progress)...)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "status=ok discovered=36 successful=36 failed=0 fetched=36 batches_committed=8")

	raw, err := os.ReadFile(progress)
	require.NoError(t, err)
	var snap struct {
		Cursor int      `json:"last_processed_idx"`
		OK     []string `json:"successful_ids"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, 35, snap.Cursor)
	require.Len(t, snap.OK, 36)

	_, err = os.Stat(progress + ".lock")
	require.True(t, os.IsNotExist(err), "lock is released")

	code, out, errOut = runCLI(t, mockArgs(progress)...)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "successful=36 failed=0 fetched=0 batches_committed=0 batches_failed=0 batches_skipped=1")
}

func TestCLIResetProgressAndMaxBacteria(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")
	code, _, errOut := runCLI(t, mockArgs(progress, "--max-bacteria", "7")...)
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, mockArgs(progress, "--max-bacteria", "12", "--reset-progress")...)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "discovered=12 successful=12 failed=0 fetched=12")
}

func TestCLIJSONSummary(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")
	code, out, errOut := runCLI(t, mockArgs(progress, "--json-logs", "--max-bacteria", "3")...)
	require.Equal(t, 0, code, errOut)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &sum))
	require.Equal(t, "ok", sum["status"])
	require.EqualValues(t, 3, sum["successful"])
}

func TestCLIStatsOnlyEmpty(t *testing.T) {
	code, out, errOut := runCLI(t, mockArgs(filepath.Join(t.TempDir(), "p.json"), "--stats-only")...)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "Database statistics:\n- Total bacteria: 0\n- No bacteria in database\n", out)
}

func TestCLIShowMissing(t *testing.T) {
	code, _, errOut := runCLI(t, "show", "MMDBm00001", "--dry-run")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "not found")
}

func TestCLIRefusesWhileLocked(t *testing.T) {
	progress := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(progress+".lock", []byte(`{"pid":1}`), 0o644))

	code, _, errOut := runCLI(t, mockArgs(progress)...)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "another writer active")
}

func TestCLIUsageErrors(t *testing.T) {
	clearDSNEnv(t)
	progress := filepath.Join(t.TempDir(), "p.json")

	code, _, errOut := runCLI(t, mockArgs(progress, "--duplicate-action", "merge")...)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "duplicate-action")

	code, _, errOut = runCLI(t, "--source", "mock", "--progress-file", progress)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "PG_DSN")

	code, _, _ = runCLI(t, "--no-such-flag")
	require.Equal(t, 2, code)

	code, _, errOut = runCLI(t, mockArgs(progress, "--log-level", "loud")...)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "log-level")
}

func TestPrintStats(t *testing.T) {
	var b bytes.Buffer
	printStats(&b, store.Stats{Total: 4, Pathogenic: 1, NonPathogenic: 3, GramPositive: 2, GramNegative: 1})
	require.Equal(t, `Database statistics:
- Total bacteria: 4
- Pathogenic: 1 (25.0%)
- Non-pathogenic: 3 (75.0%)
- Gram positive: 2 (50.0%)
- Gram negative: 1 (25.0%)
`, b.String())
}
