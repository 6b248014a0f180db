package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ───────── Lock file (with TTL & heartbeat) ─────────

var errLocked = errors.New("another writer active")

// fileLock guards one progress file against concurrent writers.
type fileLock struct {
	path string
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func acquireLock(lockPath string, ttl time.Duration) (*fileLock, error) {
	abspath, err := filepath.Abs(lockPath)
	if err != nil {
		abspath = lockPath
	}
	if err := os.MkdirAll(filepath.Dir(abspath), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(abspath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			l := &fileLock{path: abspath, stop: make(chan struct{})}
			l.wg.Add(1)
			go l.heartbeat(heartbeatEvery(ttl))
			return l, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		fi, err := os.Stat(abspath)
		if err != nil {
			continue // vanished between open and stat
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(abspath)
			continue
		}
		return nil, fmt.Errorf("%w: %s", errLocked, abspath)
	}
	return nil, fmt.Errorf("%w: %s", errLocked, abspath)
}

func heartbeatEvery(ttl time.Duration) time.Duration {
	d := ttl / 3
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (l *fileLock) heartbeat(every time.Duration) {
	defer l.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

// Release stops the heartbeat and removes the lock file. Safe to call twice.
func (l *fileLock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
		_ = os.Remove(l.path)
	})
}
