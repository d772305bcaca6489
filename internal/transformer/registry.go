package transformer

import (
	"fmt"
	"sort"
	"sync"
)

// ValueFunc maps one raw cell value to the value stored in a column.
//
// Mappers are total for ordinary input: unrecognized text degrades to nil or a
// default. A non-nil error means the cell is structurally malformed and the
// engine skips the row for the table being loaded.
type ValueFunc func(v any) (any, error)

var (
	mu    sync.RWMutex
	funcs = map[string]ValueFunc{}
)

// Register adds a named mapper. It panics on an empty name, a nil func or a
// duplicate registration, so conflicting builtins fail at init time.
func Register(name string, f ValueFunc) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("transformer: Register called with empty name")
	}
	if f == nil {
		panic("transformer: Register called with nil func")
	}
	if _, exists := funcs[name]; exists {
		panic(fmt.Sprintf("transformer: mapper already registered name=%q", name))
	}
	funcs[name] = f
}

// Lookup returns the mapper registered under name.
func Lookup(name string) (ValueFunc, error) {
	mu.RLock()
	f := funcs[name]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return f, nil
}

// Names lists registered mappers in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(funcs))
	for n := range funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
