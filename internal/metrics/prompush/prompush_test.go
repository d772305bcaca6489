package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cmedetl/internal/metrics"
)

func TestNewBackendRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewBackend("job", "  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestFlushPushesJobGroup(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		method string
		path   string
		body   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, len(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("cmed_test", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.RecordsTotal, 2, metrics.Labels{"table": "PRODUTOS", "kind": "inserted"})
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"table": "PRODUTOS"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "PRODUTOS"})
	b.IncCounter("not_a_metric", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.25, metrics.Labels{"step": "PRODUTOS", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Fatalf("method=%s want PUT", method)
	}
	if path != "/metrics/job/cmed_test" {
		t.Fatalf("path=%s", path)
	}
	if body == 0 {
		t.Fatalf("empty push body")
	}
}

func TestFlushSurfacesGatewayError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b, err := NewBackend("", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"table": "PRECOS"})
	if err := b.Flush(); err == nil {
		t.Fatalf("expected push error")
	}
}
