package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cmedetl/internal/storage"
)

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// Notes:
//   - Tables are created behind an OBJECT_ID guard, the T-SQL spelling of
//     CREATE TABLE IF NOT EXISTS.
//   - Surrogate ids come back through OUTPUT INSERTED.<id>.
//   - SQL Server has no ON DELETE RESTRICT; it is rendered as NO ACTION, which
//     rejects the delete the same way.
//   - The package does not import a driver. storage/all registers go-mssqldb
//     under the "sqlserver" name.
type MultiRepo struct {
	db dbConn
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}

var dialect = storage.Dialect{
	Ident: mssqlIdent,
	Types: map[string]string{
		"integer": "BIGINT",
		"text":    "NVARCHAR(MAX)",
		"numeric": "DECIMAL(18,4)",
	},
	Actions: map[string]string{"RESTRICT": "NO ACTION"},
}

// NewMulti opens a "sqlserver" database/sql handle and pings it.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &MultiRepo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables in declaration order. Idempotent.
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
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL",
		mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table), mssqlIdent(keyColumn))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("mssql: SelectAllKeyValue: scan %s: %w", table, err)
		}
		key := storage.NormalizeKey(k)
		if _, seen := out[key]; !seen {
			out[key] = id
		}
	}
	return out, rows.Err()
}

func (r *MultiRepo) Begin(ctx context.Context) (storage.LoadTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &loadTx{tx: tx}, nil
}

type loadTx struct {
	tx txConn
}

func (t *loadTx) Insert(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	if len(columns) != len(values) {
		return 0, fmt.Errorf("mssql: insert %s: %d columns but %d values", table, len(columns), len(values))
	}
	q := buildInsertSQL(table, idColumn, columns)
	if idColumn == "" {
		if _, err := t.tx.ExecContext(ctx, q, values...); err != nil {
			return 0, fmt.Errorf("mssql: insert %s: %w", table, err)
		}
		return 0, nil
	}
	var id int64
	if err := t.tx.QueryRowContext(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("mssql: insert %s: %w", table, err)
	}
	return id, nil
}

func (t *loadTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *loadTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// buildInsertSQL renders a single-row INSERT with @pN placeholders. When
// idColumn is set the identity value is returned through OUTPUT INSERTED.
func buildInsertSQL(table, idColumn string, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = mssqlIdent(c)
		ph[i] = fmt.Sprintf("@p%d", i+1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)", mssqlTableIdent(table), strings.Join(cols, ", "))
	if idColumn != "" {
		b.WriteString(" OUTPUT INSERTED." + mssqlIdent(idColumn))
	}
	fmt.Fprintf(&b, " VALUES (%s);", strings.Join(ph, ", "))
	return b.String()
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var defs []string
	if t.PrimaryKey != nil {
		pk, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		defs = append(defs, pk)
	}
	for _, c := range t.Columns {
		def, err := dialect.ColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	uniques, err := dialect.UniqueConstraints(t)
	if err != nil {
		return "", err
	}
	defs = append(defs, uniques...)

	return wrapCreateIfMissing(t.Name, strings.Join(defs, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
// Identity keys are BIGINT so that generic "integer" foreign keys match them.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "bigserial", "identity":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "":
		return "", fmt.Errorf("mssql: primary key %s: type is empty", pk.Name)
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type), nil
	}
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name.
//
//	"dbo.PRODUTOS" -> [dbo].[PRODUTOS]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is the slice of *sql.DB this package needs; tests substitute fakes.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)
)
