package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"cmedetl/internal/storage"
)

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Notes vs the server backends:
//   - Foreign keys are only enforced with PRAGMA foreign_keys=ON, so plain file
//     paths are expanded into a DSN that turns it on.
//   - SQLite allows one writer. The pool is pinned to a single connection and
//     the engine never reads while a load transaction is open.
type MultiRepo struct {
	db *sql.DB
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

var dialect = storage.Dialect{
	Ident: sqlIdent,
	Types: map[string]string{
		"integer": "INTEGER",
		"text":    "TEXT",
		"numeric": "NUMERIC",
	},
}

func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

// sqliteDSN turns a bare path like "LISTACMED.db" into a file: URI with
// foreign keys and a busy timeout. DSNs that already carry a scheme or query
// are used verbatim.
func sqliteDSN(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") || dsn == ":memory:" {
		return dsn
	}
	return "file:" + dsn + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

// EnsureTables runs CREATE TABLE IF NOT EXISTS for every AutoCreateTable spec,
// in order, so referenced tables must come first.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(keyColumn), sqlIdent(valueColumn), sqlIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var k any
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", table, err)
		}
		key := storage.NormalizeKey(k)
		if key == "" || !id.Valid {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = id.Int64
		}
	}
	return out, rows.Err()
}

func (r *MultiRepo) Begin(ctx context.Context) (storage.LoadTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	return &loadTx{tx: tx, stmts: map[string]*sql.Stmt{}}, nil
}

// loadTx keeps one prepared INSERT per table/column shape for the life of the
// transaction.
type loadTx struct {
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
}

func (t *loadTx) Insert(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	if len(columns) != len(values) {
		return 0, fmt.Errorf("insert %s: %d columns but %d values", table, len(columns), len(values))
	}
	q := buildInsertSQL(table, columns)
	stmt, ok := t.stmts[q]
	if !ok {
		var err error
		stmt, err = t.tx.PrepareContext(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("insert %s: prepare: %w", table, err)
		}
		t.stmts[q] = stmt
	}

	res, err := stmt.ExecContext(ctx, values...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	if idColumn == "" {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: last insert id: %w", table, err)
	}
	return id, nil
}

func (t *loadTx) Commit(ctx context.Context) error {
	t.closeStmts()
	return t.tx.Commit()
}

func (t *loadTx) Rollback(ctx context.Context) error {
	t.closeStmts()
	return t.tx.Rollback()
}

func (t *loadTx) closeStmts() {
	for k, s := range t.stmts {
		_ = s.Close()
		delete(t.stmts, k)
	}
}

// sqlIdent safely quotes an identifier for SQLite.
// We use double-quotes and escape embedded quotes by doubling them.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildInsertSQL(table string, columns []string) string {
	cols := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = sqlIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", sqlIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))
		// INTEGER PRIMARY KEY aliases the rowid, which is what makes LastInsertId the surrogate key.
		switch pkType {
		case "serial", "bigserial", "identity":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		def, err := dialect.ColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	uniques, err := dialect.UniqueConstraints(t)
	if err != nil {
		return "", err
	}
	parts = append(parts, uniques...)

	if len(parts) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}
