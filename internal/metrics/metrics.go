// Package metrics is the process-wide metrics facade. The loader records into
// whatever Backend is installed; the default discards everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, e.g. {"step": "PRODUTOS", "status": "ok"}.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer and submit on demand.
type Flusher interface {
	Flush() error
}

// Metric names emitted by the loader.
const (
	RecordsTotal        = "etl_records_total"
	BatchesTotal        = "etl_batches_total"
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. nil restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics if the installed backend buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordRows counts per-table row outcomes (inserted, skipped, warned).
func RecordRows(table, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"table": table, "kind": kind})
}

// RecordBatch counts one committed transaction.
func RecordBatch(table string) {
	IncCounter(BatchesTotal, 1, Labels{"table": table})
}

// RecordStep counts a finished step and observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}
