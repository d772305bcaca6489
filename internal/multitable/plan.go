package multitable

import (
	"fmt"
	"strings"

	"cmedetl/internal/storage"
	"cmedetl/internal/transformer"
	_ "cmedetl/internal/transformer/builtin" // registers the value mappers
)

const (
	kindDimension = "dimension"
	kindFact      = "fact"
	kindMarker    = "marker"

	onNullSkip   = "skip"
	onNullWarn   = "warn"
	onNullInsert = "insert"

	generatorNowUnixNano = "now_unix_nano"
)

// plan is the compiled form of storage.db.tables: names become indices and
// transform names become functions, so the per-row path does no map lookups
// beyond the key caches.
type plan struct {
	Passes  []tablePlan // row-driven tables, in declared order
	Markers []tablePlan // one row each, after all passes
}

func (p plan) allTables() []storage.TableSpec {
	out := make([]storage.TableSpec, 0, len(p.Passes)+len(p.Markers))
	for _, t := range p.Passes {
		out = append(out, t.Spec)
	}
	for _, t := range p.Markers {
		out = append(out, t.Spec)
	}
	return out
}

type tablePlan struct {
	Spec    storage.TableSpec
	Targets []string
	Columns []columnPlan

	// Cached tables dedupe on Columns[KeyIndex] and get back IDColumn on insert.
	Cached    bool
	Prewarm   bool
	KeyIndex  int
	KeyColumn string
	IDColumn  string
	OnNullKey string
}

type columnPlan struct {
	Target    string
	Source    int // -1 when unused
	Fn        transformer.ValueFunc
	Lookup    *lookupPlan
	Generator string
}

type lookupPlan struct {
	Table      string
	Source     int
	Fn         transformer.ValueFunc
	FailOnMiss bool
}

func compilePlan(cfg Pipeline) (plan, error) {
	colIndex := make(map[string]int, len(cfg.Parser.Columns))
	for i, c := range cfg.Parser.Columns {
		if c == "" {
			continue
		}
		if _, dup := colIndex[c]; dup {
			return plan{}, fmt.Errorf("parser.columns: duplicate field %q", c)
		}
		colIndex[c] = i
	}

	var p plan
	cached := map[string]cacheRef{} // tables whose cache a later lookup may use
	seen := map[string]bool{}

	for _, t := range cfg.Storage.DB.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return p, fmt.Errorf("table with empty name")
		}
		if seen[t.Name] {
			return p, fmt.Errorf("table %s declared twice", t.Name)
		}
		seen[t.Name] = true

		tp, err := compileTable(t, colIndex, cached)
		if err != nil {
			return p, fmt.Errorf("table %s: %w", t.Name, err)
		}
		if t.Load.Kind == kindMarker {
			p.Markers = append(p.Markers, tp)
			continue
		}
		p.Passes = append(p.Passes, tp)
		if tp.Cached {
			cached[t.Name] = cacheRef{Key: tp.KeyColumn, Value: tp.IDColumn}
		}
	}
	return p, nil
}

// cacheRef names the key and value columns of a cached table.
type cacheRef struct {
	Key, Value string
}

func compileTable(t storage.TableSpec, colIndex map[string]int, cached map[string]cacheRef) (tablePlan, error) {
	tp := tablePlan{Spec: t, KeyIndex: -1}

	switch t.Load.Kind {
	case kindDimension, kindFact, kindMarker:
	default:
		return tp, fmt.Errorf("unknown load kind %q", t.Load.Kind)
	}
	if len(t.Load.FromRows) == 0 {
		return tp, fmt.Errorf("load.from_rows is empty")
	}

	for _, fr := range t.Load.FromRows {
		cp, err := compileColumn(fr, colIndex, cached)
		if err != nil {
			return tp, err
		}
		if t.Load.Kind == kindMarker && cp.Generator == "" {
			return tp, fmt.Errorf("marker column %s must use a generator", fr.TargetColumn)
		}
		tp.Targets = append(tp.Targets, fr.TargetColumn)
		tp.Columns = append(tp.Columns, cp)
	}

	c := t.Load.Cache
	if c == nil {
		if t.Load.Kind == kindDimension {
			return tp, fmt.Errorf("dimension tables need load.cache")
		}
		return tp, nil
	}
	if t.Load.Kind == kindMarker {
		return tp, fmt.Errorf("marker tables cannot be cached")
	}
	if c.KeyColumn == "" || c.ValueColumn == "" {
		return tp, fmt.Errorf("load.cache needs key_column and value_column")
	}
	for i, target := range tp.Targets {
		if target == c.KeyColumn {
			tp.KeyIndex = i
			break
		}
	}
	if tp.KeyIndex < 0 {
		return tp, fmt.Errorf("cache key_column %s is not filled by from_rows", c.KeyColumn)
	}

	tp.Cached = true
	tp.Prewarm = c.Prewarm
	tp.KeyColumn = c.KeyColumn
	tp.IDColumn = c.ValueColumn
	tp.OnNullKey = strings.ToLower(strings.TrimSpace(c.OnNullKey))
	switch tp.OnNullKey {
	case "":
		tp.OnNullKey = onNullSkip
		if t.Load.Kind == kindFact {
			tp.OnNullKey = onNullWarn
		}
	case onNullSkip, onNullWarn, onNullInsert:
	default:
		return tp, fmt.Errorf("unknown cache.on_null_key %q", c.OnNullKey)
	}
	return tp, nil
}

func compileColumn(fr storage.FromRowSpec, colIndex map[string]int, cached map[string]cacheRef) (columnPlan, error) {
	cp := columnPlan{Target: fr.TargetColumn, Source: -1}
	if fr.TargetColumn == "" {
		return cp, fmt.Errorf("from_rows entry without target_column")
	}

	set := 0
	for _, b := range []bool{fr.SourceField != "", fr.Lookup != nil, fr.Generator != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return cp, fmt.Errorf("column %s: exactly one of source_field, lookup, generator is required", fr.TargetColumn)
	}

	switch {
	case fr.Generator != "":
		if fr.Generator != generatorNowUnixNano {
			return cp, fmt.Errorf("column %s: unknown generator %q", fr.TargetColumn, fr.Generator)
		}
		cp.Generator = fr.Generator

	case fr.Lookup != nil:
		lk := fr.Lookup
		ref, ok := cached[lk.Table]
		if !ok {
			return cp, fmt.Errorf("column %s: lookup table %s must be an earlier cached table", fr.TargetColumn, lk.Table)
		}
		// The cache is keyed on one column, so the match must name exactly that one.
		field, ok := lk.Match[ref.Key]
		if len(lk.Match) != 1 || !ok {
			return cp, fmt.Errorf("column %s: lookup.match must map only %s.%s (the cache key_column), got %v",
				fr.TargetColumn, lk.Table, ref.Key, lk.Match)
		}
		if lk.Return != "" && lk.Return != ref.Value {
			return cp, fmt.Errorf("column %s: lookup.return %s is not %s's cache value_column %s",
				fr.TargetColumn, lk.Return, lk.Table, ref.Value)
		}
		idx, ok := colIndex[field]
		if !ok {
			return cp, fmt.Errorf("column %s: lookup match field %q is not a parser column", fr.TargetColumn, field)
		}
		fn, err := optionalTransform(lk.Transform)
		if err != nil {
			return cp, fmt.Errorf("column %s: %w", fr.TargetColumn, err)
		}
		var failOnMiss bool
		switch strings.ToLower(lk.OnMissing) {
		case "", "null":
		case "error":
			failOnMiss = true
		default:
			return cp, fmt.Errorf("column %s: unknown lookup.on_missing %q", fr.TargetColumn, lk.OnMissing)
		}
		cp.Lookup = &lookupPlan{Table: lk.Table, Source: idx, Fn: fn, FailOnMiss: failOnMiss}

	default:
		idx, ok := colIndex[fr.SourceField]
		if !ok {
			return cp, fmt.Errorf("column %s: source_field %q is not a parser column", fr.TargetColumn, fr.SourceField)
		}
		fn, err := optionalTransform(fr.Transform)
		if err != nil {
			return cp, fmt.Errorf("column %s: %w", fr.TargetColumn, err)
		}
		cp.Source = idx
		cp.Fn = fn
	}
	return cp, nil
}

func optionalTransform(name string) (transformer.ValueFunc, error) {
	if name == "" {
		return nil, nil
	}
	return transformer.Lookup(name)
}
