package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cmedetl/internal/storage"
)

/*
MultiRepo implements storage.MultiRepository for Postgres.

Surrogate ids come back through INSERT ... RETURNING. Identifiers are always
quoted, so the upper-case CMED table names keep their spelling.
*/
type MultiRepo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.RegisterMulti("postgres", NewMulti)
}

var dialect = storage.Dialect{
	Ident: pgIdent,
	Types: map[string]string{
		"integer": "bigint",
		"text":    "text",
		"numeric": "numeric",
	},
}

// NewMulti creates a new Postgres-backed MultiRepo.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &MultiRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	r.pool.Close()
}

// EnsureTables is idempotent; it creates a schema first for qualified names.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create base table %s: %w", t.Name, err)
		}
	}
	return nil
}

// SelectAllKeyValue returns normalized key -> surrogate id for the whole table.
func (r *MultiRepo) SelectAllKeyValue(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s IS NOT NULL`,
		pgIdent(keyColumn),
		pgIdent(valueColumn),
		pgTableIdent(table),
		pgIdent(keyColumn),
	)

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", table, err)
		}
		key := storage.NormalizeKey(k)
		if _, seen := out[key]; !seen {
			out[key] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: rows %s: %w", table, err)
	}
	return out, nil
}

func (r *MultiRepo) Begin(ctx context.Context) (storage.LoadTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres begin: %w", err)
	}
	return &loadTx{tx: tx}, nil
}

// pgxTx is the subset of pgx.Tx the loader uses; tests substitute a fake.
type pgxTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type loadTx struct {
	tx pgxTx
}

func (t *loadTx) Insert(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	if len(columns) != len(values) {
		return 0, fmt.Errorf("insert %s: %d columns but %d values", table, len(columns), len(values))
	}
	q := buildInsertSQL(table, idColumn, columns)
	if idColumn == "" {
		if _, err := t.tx.Exec(ctx, q, values...); err != nil {
			return 0, fmt.Errorf("insert %s: %w", table, err)
		}
		return 0, nil
	}
	var id int64
	if err := t.tx.QueryRow(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

func (t *loadTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *loadTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// buildInsertSQL renders a single-row INSERT with $n placeholders and an
// optional RETURNING clause.
func buildInsertSQL(table, idColumn string, columns []string) string {
	cols := make([]string, len(columns))
	ph := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgIdent(c)
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", pgTableIdent(table), strings.Join(cols, ", "), strings.Join(ph, ", "))
	if idColumn != "" {
		q += " RETURNING " + pgIdent(idColumn)
	}
	return q
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// splitQualifiedName splits "schema.table". Only a single dot is understood;
// anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func buildPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "bigserial", "identity":
		return fmt.Sprintf("%s BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY", pgIdent(pk.Name)), nil
	case "":
		return "", fmt.Errorf("primary key %s: type is empty", pk.Name)
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(pk.Name), pk.Type), nil
	}
}

func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	var defs []string
	if t.PrimaryKey != nil {
		pk, err := buildPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, pk)
	}
	for _, c := range t.Columns {
		def, err := dialect.ColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	uniques, err := dialect.UniqueConstraints(t)
	if err != nil {
		return "", "", err
	}
	defs = append(defs, uniques...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}
