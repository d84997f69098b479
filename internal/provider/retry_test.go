package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"relaygate/internal/domain"
)

func quickBackoff(t *testing.T) {
	t.Helper()
	prev := backoffUnit
	backoffUnit = time.Millisecond
	t.Cleanup(func() { backoffUnit = prev })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildGet(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}
}

func TestDoWithBackoffRetriesServerErrors(t *testing.T) {
	quickBackoff(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := doWithBackoff(context.Background(), srv.Client(), buildGet(srv.URL), discardLogger())
	if err != nil {
		t.Fatalf("doWithBackoff: %v", err)
	}
	resp.Body.Close()
	if n := hits.Load(); n != 3 {
		t.Fatalf("server hit %d times, want 3", n)
	}
}

func TestDoWithBackoffDoesNotRetryClientErrors(t *testing.T) {
	quickBackoff(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "no such instance", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := doWithBackoff(context.Background(), srv.Client(), buildGet(srv.URL), discardLogger())
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Code != CodeProviderRejected {
		t.Fatalf("err = %v, want %s provider error", err, CodeProviderRejected)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("client error retried: %d hits", n)
	}
}

func TestDoWithBackoffExhaustionKeepsFailureCode(t *testing.T) {
	quickBackoff(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := doWithBackoff(context.Background(), srv.Client(), buildGet(srv.URL), discardLogger())
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Code != CodeProviderRateLimited {
		t.Fatalf("err = %v, want %s provider error", err, CodeProviderRateLimited)
	}
}
