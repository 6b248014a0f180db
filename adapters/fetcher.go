// Package adapters contains the network-facing pieces of the ingest job: the
// page fetcher, the MiMeDB discovery/extraction connector and an offline mock.
package adapters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultRetries   = 3
	defaultTimeout   = 120 * time.Second
)

// Fetcher retrieves one resource by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// FetchError is returned once every attempt for a URL has failed.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AttemptFunc observes every HTTP attempt. code is 0 on transport errors.
type AttemptFunc func(code int, latency time.Duration)

type HTTPFetcherOptions struct {
	UserAgent string
	Delay     time.Duration // slept before every attempt and after every failed one
	Retries   int           // maximum attempts per URL
	Timeout   time.Duration // per attempt
	RPS       float64       // optional ceiling across all requests; 0 disables
	Client    *http.Client  // optional; Timeout is ignored when set
	OnAttempt AttemptFunc
	Logger    *slog.Logger
}

// HTTPFetcher fetches pages with a fixed inter-request delay and bounded retries.
// There is no backoff: the delay is plain rate limiting against the remote host.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	delay     time.Duration
	retries   int
	limiter   *rate.Limiter
	onAttempt AttemptFunc
	log       *slog.Logger
}

func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	to := opts.Timeout
	if to <= 0 {
		to = defaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: to}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: ua,
		delay:     delay,
		retries:   retries,
		limiter:   lim,
		onAttempt: opts.OnAttempt,
		log:       log,
	}
}

// Fetch returns the body of url. Delays and the rate ceiling observe ctx, but an
// attempt that has started runs to completion.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var last error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if err := sleepCtx(ctx, f.delay); err != nil {
			return nil, err
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, err := f.doGET(context.WithoutCancel(ctx), url)
		if err == nil {
			return body, nil
		}
		last = err
		f.log.Warn("fetch attempt failed", "url", url, "attempt", attempt, "of", f.retries, "err", err)
		if err := sleepCtx(ctx, f.delay); err != nil {
			return nil, err
		}
	}
	f.log.Error("fetch gave up", "url", url, "attempts", f.retries)
	return nil, &FetchError{URL: url, Attempts: f.retries, Err: last}
}

func (f *HTTPFetcher) doGET(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.observe(0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	f.observe(resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", u, err)
	}
	return b, nil
}

func (f *HTTPFetcher) observe(code int, d time.Duration) {
	if f.onAttempt != nil {
		f.onAttempt(code, d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
