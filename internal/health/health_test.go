package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestVerifier() *Verifier {
	return NewVerifier(zerolog.Nop(), time.Second)
}

func TestCheckHealthyFirstAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := newTestVerifier().Check(context.Background(), "api", server.URL, time.Second, 10*time.Millisecond)
	if !result.Healthy() {
		t.Fatalf("expected healthy, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestCheckBecomesHealthy(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := newTestVerifier().Check(context.Background(), "api", server.URL, 2*time.Second, 5*time.Millisecond)
	if !result.Healthy() {
		t.Fatalf("expected eventual health, got %+v", result)
	}
	if result.Attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", result.Attempts)
	}
}

func TestCheckUnhealthyWhenRespondingNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := newTestVerifier().Check(context.Background(), "api", server.URL, 60*time.Millisecond, 20*time.Millisecond)
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", result)
	}
	if result.LastErr == nil {
		t.Fatal("expected last error to be reported")
	}
}

func TestCheckTimeoutWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening

	result := newTestVerifier().Check(context.Background(), "api", server.URL, 60*time.Millisecond, 20*time.Millisecond)
	if result.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestCheckHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestVerifier().Check(ctx, "api", server.URL, time.Minute, 10*time.Millisecond)
	if result.Status != StatusTimeout {
		t.Fatalf("expected timeout on canceled context, got %+v", result)
	}
}

func TestCheckCancellationKeepsUnhealthyClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	// Cancellation lands during the wait after a 5xx response; the
	// endpoint answered, so the result is unhealthy, not a timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := newTestVerifier().Check(ctx, "api", server.URL, time.Minute, time.Second)
	if result.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", result)
	}
	if result.Attempts < 1 {
		t.Fatalf("expected at least one attempt, got %d", result.Attempts)
	}
}
