package storage

import (
	"context"
	"fmt"
	"sync"
)

// MultiConfig is what NewMulti needs to open a repository.
//
// Edge cases:
//   - Kind must match a registered backend ("sqlite", "postgres", "mssql").
//   - DSN is handed to the backend untouched; validation is backend-specific.
type MultiConfig struct {
	Kind string
	DSN  string
}

// MultiRepository is the store handle the loader passes to every pass.
//
// It is deliberately small. The engine keeps the natural-key caches itself and
// only asks the backend to create tables, read a key→id snapshot, and insert
// single rows inside a transaction.
type MultiRepository interface {
	// Close releases connections. Call once.
	Close()

	// EnsureTables creates tables flagged AutoCreateTable if they do not exist.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// SelectAllKeyValue returns keyColumn→valueColumn for every row, with keys
	// passed through NormalizeKey. Rows with a NULL key are omitted.
	SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error)

	// Begin opens a write transaction.
	Begin(ctx context.Context) (LoadTx, error)
}

// LoadTx is a write transaction. Inserts are visible to later inserts in the
// same transaction, which is all the per-row dedupe needs.
type LoadTx interface {
	// Insert writes one row. When idColumn is non-empty the generated surrogate
	// id is returned; otherwise the result is 0.
	Insert(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
)

// RegisterMulti registers a backend under kind. Backends call it from init().
//
// Panics on an empty kind, a nil factory, or a duplicate kind, so an ambiguous
// build fails at startup.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// NewMulti opens a repository through the factory registered for cfg.Kind.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
