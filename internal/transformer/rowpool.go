// Package transformer carries spreadsheet rows between the parser and the
// loader, and holds the registry of named value mappers applied per column.
package transformer

import "sync"

// Row is a pooled positional row. V is aligned to the layout's column order.
//
// Ownership:
//   - One goroutine owns a Row at a time; sending it on a channel hands it over.
//   - The final consumer calls Free once nothing references r.V any more.
//   - Cancellation paths call Drop instead, so a row that a draining consumer
//     might still read is never handed back to the parser for reuse.
type Row struct {
	V    []any
	Line int // 1-based physical row number in the source sheet
}

var rowPool sync.Pool

// GetRow returns a zeroed Row with len(V) == colCount.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop releases the Row without re-pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
