package multitable

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"cmedetl/internal/metrics"
	"cmedetl/internal/storage"
	"cmedetl/internal/transformer"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// TableStats counts what one table's pass did with the source rows.
type TableStats struct {
	Table    string
	Rows     int
	Inserted int
	Skipped  int // key already present, or empty key under on_null_key=skip
	Warned   int // transform failures, parse errors, empty keys under on_null_key=warn
}

type Summary struct {
	Tables []TableStats
}

// Table returns the stats for name.
func (s Summary) Table(name string) (TableStats, bool) {
	for _, t := range s.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableStats{}, false
}

// Engine loads every table with its own pass over the source rows.
//
// Per pass and per row: compute the target values (transform, lookup into an
// earlier table's cache, or generator), then, for cached tables, insert only
// when the key is not already cached and remember the new id. Caches are
// prewarmed from the store, so a rerun against the same store inserts nothing
// new. Marker tables get exactly one row after all passes.
type Engine struct {
	Repo   storage.MultiRepository
	Logger Logger

	// Stream replaces StreamRows in tests.
	Stream StreamFn

	// Now feeds the now_unix_nano generator. Defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return log.New(discardWriter{}, "", 0).Printf
	}
	return e.Logger.Printf
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stream(ctx context.Context, cfg Pipeline, data []byte, onErr func(int, error)) (*RowStream, error) {
	if e.Stream != nil {
		return e.Stream(ctx, cfg, data, onErr)
	}
	return StreamRows(ctx, cfg, data, onErr)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// Run executes all passes over data. cfg.Parser.Kind must already be concrete.
func (e *Engine) Run(ctx context.Context, cfg Pipeline, data []byte) (Summary, error) {
	var sum Summary
	if e.Repo == nil {
		return sum, fmt.Errorf("engine: Repo is required")
	}
	p, err := compilePlan(cfg)
	if err != nil {
		return sum, err
	}
	logf := e.logger()

	caches := make(map[string]map[string]int64, len(p.Passes))
	for _, tp := range p.Passes {
		start := time.Now()
		st, err := e.loadTable(ctx, cfg, data, tp, caches)
		metrics.RecordStep(tp.Spec.Name, err, time.Since(start))
		metrics.RecordRows(tp.Spec.Name, "inserted", st.Inserted)
		metrics.RecordRows(tp.Spec.Name, "skipped", st.Skipped)
		metrics.RecordRows(tp.Spec.Name, "warned", st.Warned)
		sum.Tables = append(sum.Tables, st)
		if err != nil {
			logf("stage=%s status=error duration=%s err=%v", tp.Spec.Name, durMS(start), err)
			return sum, fmt.Errorf("load %s: %w", tp.Spec.Name, err)
		}
		logf("stage=%s ok rows=%d inserted=%d skipped=%d warned=%d duration=%s",
			tp.Spec.Name, st.Rows, st.Inserted, st.Skipped, st.Warned, durMS(start))
	}

	for _, tp := range p.Markers {
		start := time.Now()
		err := e.insertMarker(ctx, tp)
		metrics.RecordStep(tp.Spec.Name, err, time.Since(start))
		if err != nil {
			return sum, fmt.Errorf("load %s: %w", tp.Spec.Name, err)
		}
		metrics.RecordRows(tp.Spec.Name, "inserted", 1)
		sum.Tables = append(sum.Tables, TableStats{Table: tp.Spec.Name, Inserted: 1})
		logf("stage=%s ok inserted=1", tp.Spec.Name)
	}
	return sum, nil
}

func (e *Engine) loadTable(ctx context.Context, cfg Pipeline, data []byte, tp tablePlan, caches map[string]map[string]int64) (TableStats, error) {
	st := TableStats{Table: tp.Spec.Name}
	logf := e.logger()

	var cache map[string]int64
	if tp.Cached {
		cache = map[string]int64{}
		if tp.Prewarm {
			kv, err := e.Repo.SelectAllKeyValue(ctx, tp.Spec.Name, tp.KeyColumn, tp.IDColumn)
			if err != nil {
				return st, fmt.Errorf("prewarm: %w", err)
			}
			cache = kv
		}
		caches[tp.Spec.Name] = cache
	}

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var parseWarnings atomic.Int64
	onErr := func(line int, err error) {
		parseWarnings.Add(1)
		logf("stage=%s warn row=%d err=%v", tp.Spec.Name, line, err)
	}

	stream, err := e.stream(passCtx, cfg, data, onErr)
	if err != nil {
		return st, err
	}

	w := &batchWriter{
		repo:  e.Repo,
		table: tp.Spec.Name,
		size:  cfg.Runtime.batchSize(),
		debug: cfg.Runtime.DebugTimings,
		logf:  logf,
	}

	var failErr error
	for r := range stream.Rows {
		if failErr != nil {
			r.Free()
			continue
		}
		st.Rows++
		if err := e.loadRow(passCtx, tp, r, caches, cache, w, &st); err != nil {
			failErr = err
			cancel()
		}
		r.Free()
	}

	if werr := stream.Wait(); werr != nil && failErr == nil {
		failErr = werr
	}
	st.Warned += int(parseWarnings.Load())
	if failErr != nil {
		w.rollback(ctx)
		return st, failErr
	}
	return st, w.commit(ctx)
}

func (e *Engine) loadRow(
	ctx context.Context,
	tp tablePlan,
	r *transformer.Row,
	caches map[string]map[string]int64,
	cache map[string]int64,
	w *batchWriter,
	st *TableStats,
) error {
	vals := make([]any, len(tp.Columns))
	for i, c := range tp.Columns {
		switch {
		case c.Generator != "":
			vals[i] = e.now().UnixNano()

		case c.Lookup != nil:
			id, err := resolveLookup(c.Lookup, r, caches)
			if err != nil {
				return fmt.Errorf("row %d: %s: %w", r.Line, c.Target, err)
			}
			vals[i] = id

		default:
			v := cell(r, c.Source)
			if c.Fn != nil {
				out, err := c.Fn(v)
				if err != nil {
					st.Warned++
					e.logger()("stage=%s warn row=%d column=%s err=%v", tp.Spec.Name, r.Line, c.Target, err)
					return nil
				}
				v = out
			}
			vals[i] = v
		}
	}

	if !tp.Cached {
		if _, err := w.insert(ctx, tp, vals); err != nil {
			return err
		}
		st.Inserted++
		return nil
	}

	key := storage.NormalizeKey(vals[tp.KeyIndex])
	if key == "" {
		switch tp.OnNullKey {
		case onNullWarn:
			st.Warned++
			e.logger()("stage=%s warn row=%d err=empty %s, row skipped", tp.Spec.Name, r.Line, tp.KeyColumn)
			return nil
		case onNullInsert:
			if _, err := w.insert(ctx, tp, vals); err != nil {
				return err
			}
			st.Inserted++
			return nil
		default:
			st.Skipped++
			return nil
		}
	}

	if _, ok := cache[key]; ok {
		st.Skipped++
		return nil
	}
	id, err := w.insert(ctx, tp, vals)
	if err != nil {
		return err
	}
	cache[key] = id
	st.Inserted++
	return nil
}

// resolveLookup returns the cached id for the row's match value, or nil when
// the value is empty, fails its transform, or is not cached.
func resolveLookup(lk *lookupPlan, r *transformer.Row, caches map[string]map[string]int64) (any, error) {
	v := cell(r, lk.Source)
	if lk.Fn != nil {
		out, err := lk.Fn(v)
		if err != nil {
			return nil, nil
		}
		v = out
	}
	key := storage.NormalizeKey(v)
	if key == "" {
		return nil, nil
	}
	if id, ok := caches[lk.Table][key]; ok {
		return id, nil
	}
	if lk.FailOnMiss {
		return nil, fmt.Errorf("lookup %s: key %q not found", lk.Table, key)
	}
	return nil, nil
}

func cell(r *transformer.Row, i int) any {
	if i < 0 || i >= len(r.V) {
		return nil
	}
	return r.V[i]
}

func (e *Engine) insertMarker(ctx context.Context, tp tablePlan) error {
	vals := make([]any, len(tp.Columns))
	for i := range tp.Columns {
		vals[i] = e.now().UnixNano()
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Insert(ctx, tp.Spec.Name, "", tp.Targets, vals); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.RecordBatch(tp.Spec.Name)
	return nil
}

// batchWriter opens a transaction on the first insert and commits every size
// inserts.
type batchWriter struct {
	repo    storage.MultiRepository
	table   string
	size    int
	debug   bool
	logf    func(format string, v ...any)
	tx      storage.LoadTx
	pending int
	batches int
}

func (w *batchWriter) insert(ctx context.Context, tp tablePlan, vals []any) (int64, error) {
	if w.tx == nil {
		tx, err := w.repo.Begin(ctx)
		if err != nil {
			return 0, err
		}
		w.tx = tx
	}
	id, err := w.tx.Insert(ctx, tp.Spec.Name, tp.IDColumn, tp.Targets, vals)
	if err != nil {
		return 0, err
	}
	w.pending++
	if w.pending >= w.size {
		if err := w.commit(ctx); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (w *batchWriter) commit(ctx context.Context) error {
	if w.tx == nil {
		return nil
	}
	start := time.Now()
	err := w.tx.Commit(ctx)
	w.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.batches++
	metrics.RecordBatch(w.table)
	if w.debug {
		w.logf("stage=%s_commit batch=%d rows=%d duration=%s", w.table, w.batches, w.pending, durMS(start))
	}
	w.pending = 0
	return nil
}

func (w *batchWriter) rollback(ctx context.Context) {
	if w.tx == nil {
		return
	}
	_ = w.tx.Rollback(ctx)
	w.tx = nil
	w.pending = 0
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
