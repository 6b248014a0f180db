package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockExcludesSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json.lock")

	l, err := acquireLock(path, time.Minute)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"pid":`)

	_, err = acquireLock(path, time.Minute)
	require.ErrorIs(t, err, errLocked)

	l.Release()
	l.Release()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	again, err := acquireLock(path, time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestLockTakesOverStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":1,"time":0}`), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l, err := acquireLock(path, time.Minute)
	require.NoError(t, err)
	defer l.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"time":0}`)
}

func TestLockHeartbeatRefreshesMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.lock")
	l, err := acquireLock(path, 30*time.Millisecond)
	require.NoError(t, err)
	defer l.Release()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.Eventually(t, func() bool {
		fi, err := os.Stat(path)
		return err == nil && time.Since(fi.ModTime()) < time.Minute
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatEvery(t *testing.T) {
	require.Equal(t, 60*time.Second, heartbeatEvery(10*time.Minute))
	require.Equal(t, 10*time.Second, heartbeatEvery(30*time.Second))
	require.Equal(t, 10*time.Millisecond, heartbeatEvery(time.Millisecond))
}
