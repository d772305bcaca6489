// Table specs live in storage so both the engine and the backends can import
// them without a cycle.
package storage

type TableSpec struct {
	Name            string           `json:"name"`
	AutoCreateTable bool             `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty"`
	Load            LoadSpec         `json:"load"`
}

type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial | bigserial, or a literal backend type
}

// ColumnSpec declares one column. Type is a generic name (integer, text,
// numeric) that each backend renders in its own dialect; unknown names pass
// through verbatim. Nullable defaults to true.
type ColumnSpec struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	References *ReferenceSpec `json:"references,omitempty"`
	Nullable   *bool          `json:"nullable,omitempty"`
}

// ReferenceSpec is a column-level foreign key.
type ReferenceSpec struct {
	Table    string `json:"table"`
	Column   string `json:"column"`
	OnUpdate string `json:"on_update,omitempty"` // CASCADE | RESTRICT | NO ACTION | SET NULL
	OnDelete string `json:"on_delete,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

type LoadSpec struct {
	Kind     string        `json:"kind"` // "dimension" | "fact" | "marker"
	FromRows []FromRowSpec `json:"from_rows"`

	// Cache keys the table by one target column and maps it to the surrogate
	// id. Rows whose key is already cached are skipped.
	Cache *CacheSpec `json:"cache,omitempty"`
}

type CacheSpec struct {
	KeyColumn   string `json:"key_column"`
	ValueColumn string `json:"value_column"`
	Prewarm     bool   `json:"prewarm"`

	// OnNullKey decides what happens to a row whose key is NULL:
	// "skip" (silently), "warn" (skip and log) or "insert" (insert uncached).
	OnNullKey string `json:"on_null_key,omitempty"`
}

// FromRowSpec fills one target column, either from a source field passed
// through a named transform, from a lookup into another table's cache, or from
// a generator such as "now_unix_nano".
type FromRowSpec struct {
	TargetColumn string      `json:"target_column"`
	SourceField  string      `json:"source_field,omitempty"`
	Transform    string      `json:"transform,omitempty"`
	Lookup       *LookupSpec `json:"lookup,omitempty"`
	Generator    string      `json:"generator,omitempty"`
}

type LookupSpec struct {
	Table     string            `json:"table"`
	Match     map[string]string `json:"match"` // db key col -> source field
	Transform string            `json:"transform,omitempty"`
	Return    string            `json:"return"`
	OnMissing string            `json:"on_missing"` // "null"
}

// IsNullable applies the nullable-by-default rule.
func (c ColumnSpec) IsNullable() bool {
	if c.Nullable == nil {
		return true
	}
	return *c.Nullable
}
