// Package prompush is a metrics.Backend that accumulates into a private
// Prometheus registry and pushes it to a Pushgateway on Flush.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"cmedetl/internal/metrics"
)

type Backend struct {
	pusher *push.Pusher

	records  *prometheus.CounterVec
	batches  *prometheus.CounterVec
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewBackend registers the loader metrics on a fresh registry bound to
// gatewayURL under job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty gateway url")
	}
	if job == "" {
		job = "cmedload"
	}

	b := &Backend{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Source rows by table and outcome (inserted, skipped, warned).",
		}, []string{"table", "kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Committed load transactions.",
		}, []string{"table"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Finished pipeline steps.",
		}, []string{"step", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step latency.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step", "status"}),
	}

	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{b.records, b.batches, b.steps, b.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}
	b.pusher = push.New(gatewayURL, job).Gatherer(reg)
	return b, nil
}

func label(l metrics.Labels, k string) string {
	if v := l[k]; v != "" {
		return v
	}
	return "unknown"
}

func (b *Backend) IncCounter(name string, delta float64, l metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.RecordsTotal:
		b.records.WithLabelValues(label(l, "table"), label(l, "kind")).Add(delta)
	case metrics.BatchesTotal:
		b.batches.WithLabelValues(label(l, "table")).Add(delta)
	case metrics.StepTotal:
		b.steps.WithLabelValues(label(l, "step"), label(l, "status")).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, l metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.duration.WithLabelValues(label(l, "step"), label(l, "status")).Observe(value)
}

// Flush replaces the job's metric group on the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
