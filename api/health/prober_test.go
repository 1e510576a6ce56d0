package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ferry/api/model"
)

func TestHTTPProberURL(t *testing.T) {
	p := &HTTPProber{URLTemplate: "http://{label}.preview.internal/healthz?b={branch}"}
	env := model.NewEnvironment("feature/x", false)
	want := "http://" + env.Label + ".preview.internal/healthz?b=feature/x"
	if got := p.URL(env); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
}

func TestHTTPProberRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{URLTemplate: srv.URL + "/healthz", Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Probe(ctx, model.NewEnvironment("b", false)); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &HTTPProber{URLTemplate: srv.URL, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Probe(ctx, model.NewEnvironment("b", false)); err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}
