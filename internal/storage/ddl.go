package storage

import (
	"fmt"
	"strings"
)

// Dialect captures the bits of DDL that differ between backends.
type Dialect struct {
	Ident func(string) string
	Types map[string]string // generic type -> backend type

	// Actions rewrites referential actions the backend does not support
	// (SQL Server has no RESTRICT).
	Actions map[string]string
}

// ColumnType renders a generic type name, passing unknown names through.
func (d Dialect) ColumnType(generic string) string {
	if t, ok := d.Types[strings.ToLower(strings.TrimSpace(generic))]; ok {
		return t
	}
	return generic
}

// ReferenceClause renders " REFERENCES t(c) ON UPDATE .. ON DELETE ..".
func (d Dialect) ReferenceClause(ref *ReferenceSpec) (string, error) {
	if ref == nil {
		return "", nil
	}
	if ref.Table == "" || ref.Column == "" {
		return "", fmt.Errorf("reference requires table and column")
	}
	var b strings.Builder
	fmt.Fprintf(&b, " REFERENCES %s(%s)", d.Ident(ref.Table), d.Ident(ref.Column))
	if a := d.action(ref.OnUpdate); a != "" {
		b.WriteString(" ON UPDATE " + a)
	}
	if a := d.action(ref.OnDelete); a != "" {
		b.WriteString(" ON DELETE " + a)
	}
	return b.String(), nil
}

func (d Dialect) action(a string) string {
	a = strings.ToUpper(strings.TrimSpace(a))
	if a == "" {
		return ""
	}
	if mapped, ok := d.Actions[a]; ok {
		return mapped
	}
	return a
}

// ColumnDef renders `"name" type [NOT NULL] [REFERENCES ...]`.
func (d Dialect) ColumnDef(c ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("column %s: type is empty", c.Name)
	}
	def := d.Ident(c.Name) + " " + d.ColumnType(c.Type)
	if !c.IsNullable() {
		def += " NOT NULL"
	}
	ref, err := d.ReferenceClause(c.References)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}
	return def + ref, nil
}

// UniqueConstraints renders table-level UNIQUE clauses.
func (d Dialect) UniqueConstraints(t TableSpec) ([]string, error) {
	var out []string
	for _, c := range t.Constraints {
		if !strings.EqualFold(c.Kind, "unique") {
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return nil, fmt.Errorf("table %s: unique constraint without columns", t.Name)
		}
		cols := make([]string, len(c.Columns))
		for i, col := range c.Columns {
			cols[i] = d.Ident(col)
		}
		out = append(out, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	return out, nil
}

func fmtAny(v any) string { return fmt.Sprint(v) }
