package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherSendsBrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherOptions{UserAgent: "test-agent"})
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.Equal(t, "test-agent", got.Get("User-Agent"))
	require.Contains(t, got.Get("Accept"), "text/html")
	require.Equal(t, "en-US,en;q=0.5", got.Get("Accept-Language"))
}

func TestHTTPFetcherRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("third time"))
	}))
	defer srv.Close()

	var codes []int
	f := NewHTTPFetcher(HTTPFetcherOptions{
		Retries:   3,
		OnAttempt: func(code int, _ time.Duration) { codes = append(codes, code) },
	})
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "third time", string(body))
	require.Equal(t, []int{503, 503, 200}, codes)
}

func TestHTTPFetcherGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherOptions{Retries: 3})
	_, err := f.Fetch(context.Background(), srv.URL+"/microbes/X003")
	require.Error(t, err)
	require.EqualValues(t, 3, hits.Load())

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, 3, fe.Attempts)

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	require.Equal(t, http.StatusNotFound, he.StatusCode)
	require.Contains(t, err.Error(), "HTTP 404")
}

func TestHTTPFetcherWaitsDelayBeforeFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPFetcherOptions{Delay: 50 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestHTTPFetcherDelayObservesCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewHTTPFetcher(HTTPFetcherOptions{Delay: time.Hour})
	_, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, hits.Load())
}

func TestHTTPFetcherTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	var codes []int
	f := NewHTTPFetcher(HTTPFetcherOptions{
		Retries:   2,
		OnAttempt: func(code int, _ time.Duration) { codes = append(codes, code) },
	})
	_, err := f.Fetch(context.Background(), addr)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, []int{0, 0}, codes)
}
