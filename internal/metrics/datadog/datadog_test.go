package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"cmedetl/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name, env, dd, want string
	}{
		{"ENV_wins", "prod", "stage", "env:prod"},
		{"DD_ENV_fallback", "", "stage", "env:stage"},
		{"whitespace_ignored", "   ", "\t", "env:unknown"},
		{"default_unknown", "", "", "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range [][2]string{{"PRODUTOS", "ok"}, {"", "ok"}, {"PRECOS", ""}} {
		a, b := splitPairKey(pairKey(tc[0], tc[1]))
		if a != tc[0] || b != tc[1] {
			t.Fatalf("roundtrip (%q,%q) got (%q,%q)", tc[0], tc[1], a, b)
		}
	}
	if a, b := splitPairKey("no-sep"); a != "no-sep" || b != "unknown" {
		t.Fatalf("split no-sep=(%q,%q)", a, b)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1}, {0.5, 6}, {0.9, 9}, {1, 10},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(s, tc.p); got != tc.want {
			t.Fatalf("p=%v got %v want %v", tc.p, got, tc.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty got %v", got)
	}
}

func TestAddPercentilesDoesNotMutate(t *testing.T) {
	t.Parallel()

	in := []float64{3, 1, 2}
	var series []datadogV2.MetricSeries
	addPercentiles(&series, "cmed.step.duration_seconds", in, []string{"step:PRECOS"}, 1)

	if !reflect.DeepEqual(in, []float64{3, 1, 2}) {
		t.Fatalf("input mutated: %v", in)
	}
	if len(series) != 6 {
		t.Fatalf("series=%d want 6", len(series))
	}
	for _, s := range series {
		if s.Metric == "cmed.step.duration_seconds.max" && *s.Points[0].Value != 3 {
			t.Fatalf("max=%v", *s.Points[0].Value)
		}
	}
}

func TestNewBackendDefaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:cmed"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:cmedload") || !contains(b.baseTags, "service:cmed") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s", b.flushEvery)
	}
}

func TestFlushSubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RecordsTotal, 5, metrics.Labels{"table": "PRODUTOS", "kind": "inserted"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"table": "PRODUTOS"}) // no kind: dropped
	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"table": "PRECOS"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "PRECOS", "status": "ok"})
	b.IncCounter("etl_http_requests_total", 1, nil) // not a loader metric
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "PRECOS", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p, ok := fs.last()
	if !ok {
		t.Fatalf("no payload submitted")
	}

	byMetric := map[string][]string{}
	for _, s := range p.Series {
		byMetric[s.Metric] = s.Tags
	}
	for _, m := range []string{
		"cmed.records.total", "cmed.batches.total", "cmed.step.total",
		"cmed.step.duration_seconds.p50", "cmed.step.duration_seconds.samples",
	} {
		if _, ok := byMetric[m]; !ok {
			t.Fatalf("missing series %s in %v", m, byMetric)
		}
	}
	if tags := byMetric["cmed.records.total"]; !contains(tags, "table:PRODUTOS") || !contains(tags, "kind:inserted") {
		t.Fatalf("records tags=%v", tags)
	}
	if tags := byMetric["cmed.batches.total"]; !contains(tags, "table:PRECOS") {
		t.Fatalf("batches tags=%v", tags)
	}
	for m := range byMetric {
		if strings.Contains(m, "http") {
			t.Fatalf("unexpected series %s", m)
		}
	}

	// Buffers were reset, so a second flush is a no-op.
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions=%d want 1", fs.count())
	}
}

func TestFlushWrapsSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Flush(); err == nil || !strings.Contains(err.Error(), "datadog submit") {
		t.Fatalf("Flush err=%v", err)
	}
	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"table": "PRODUTOS"})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background flush")
	}

	b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"table": "PRODUTOS"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected final flush on Close; got %d", fs.count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer func() { _ = b.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"table": "PRECOS", "kind": "inserted"})
				b.ObserveHistogram(metrics.StepDurationSeconds, 0.01, metrics.Labels{"step": "PRECOS", "status": "ok"})
				if j%50 == 0 {
					_ = b.Flush()
				}
			}
		}()
	}
	wg.Wait()
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	if got := ParseTagsCSV(""); got != nil {
		t.Fatalf("empty=%v", got)
	}
	got := ParseTagsCSV(" env:prod, ,service:cmed ")
	if !reflect.DeepEqual(got, []string{"env:prod", "service:cmed"}) {
		t.Fatalf("got %v", got)
	}
}
