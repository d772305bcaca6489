package multitable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cmedetl/internal/storage"
	"cmedetl/internal/transformer"
)

// fakeRepo is an in-memory MultiRepository. Inserts are applied immediately;
// Rollback discards the rows written since the last commit.
type fakeRepo struct {
	mu        sync.Mutex
	rows      map[string][]map[string]any
	nextID    map[string]int64
	ensured   []string
	commits   int
	rollbacks int
	closed    int

	failInsertTable string
	failInsertAfter int // inserts into failInsertTable before failing
	inserted        map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:     map[string][]map[string]any{},
		nextID:   map[string]int64{},
		inserted: map[string]int{},
	}
}

func (f *fakeRepo) Close() { f.closed++ }

func (f *fakeRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		f.ensured = append(f.ensured, t.Name)
	}
	return nil
}

func (f *fakeRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, r := range f.rows[table] {
		k := storage.NormalizeKey(r[keyColumn])
		id, ok := r[valueColumn].(int64)
		if k == "" || !ok {
			continue
		}
		if _, seen := out[k]; !seen {
			out[k] = id
		}
	}
	return out, nil
}

func (f *fakeRepo) Begin(ctx context.Context) (storage.LoadTx, error) {
	return &fakeTx{repo: f, mark: f.snapshotLens()}, nil
}

func (f *fakeRepo) snapshotLens() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := map[string]int{}
	for k, v := range f.rows {
		m[k] = len(v)
	}
	return m
}

func (f *fakeRepo) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func (f *fakeRepo) table(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.rows[table]...)
}

type fakeTx struct {
	repo *fakeRepo
	mark map[string]int
}

func (t *fakeTx) Insert(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	f := t.repo
	f.mu.Lock()
	defer f.mu.Unlock()

	if table == f.failInsertTable && f.inserted[table] >= f.failInsertAfter {
		return 0, errors.New("insert failed")
	}
	f.inserted[table]++

	r := map[string]any{}
	for i, c := range columns {
		r[c] = values[i]
	}
	var id int64
	if idColumn != "" {
		f.nextID[table]++
		id = f.nextID[table]
		r[idColumn] = id
	}
	f.rows[table] = append(f.rows[table], r)
	return id, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.repo.mu.Lock()
	t.repo.commits++
	t.repo.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	f := t.repo
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	for k, v := range f.rows {
		f.rows[k] = v[:t.mark[k]]
	}
	return nil
}

// rowsStream returns a StreamFn that replays fixed rows (1-based Line = index+2,
// as if a header preceded them) and then fails with streamErr, if set.
func rowsStream(rows [][]any, streamErr error) StreamFn {
	return func(ctx context.Context, cfg Pipeline, data []byte, onErr func(int, error)) (*RowStream, error) {
		out := make(chan *transformer.Row)
		s := &RowStream{Rows: out}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer close(out)
			for i, vals := range rows {
				r := transformer.GetRow(len(cfg.Parser.Columns))
				r.Line = i + 2
				copy(r.V, vals)
				select {
				case out <- r:
				case <-ctx.Done():
					r.Drop()
					s.err = ctx.Err()
					return
				}
			}
			s.err = streamErr
		}()
		return s, nil
	}
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}
