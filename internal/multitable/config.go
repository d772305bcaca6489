package multitable

import (
	"fmt"
	"path"
	"strings"

	"cmedetl/internal/config"
	"cmedetl/internal/storage"
)

// Pipeline is the JSON shape of a multi-table load: one positional source,
// one parser, and an ordered list of tables each carrying its own load rules.
type Pipeline struct {
	Job     string        `json:"job"`
	Source  Source        `json:"source"`
	Parser  Parser        `json:"parser"`
	Storage Storage       `json:"storage"`
	Runtime RuntimeConfig `json:"runtime"`
}

type Source struct {
	// Location is a local path, an http(s) URL or s3://bucket/key.
	Location string `json:"location"`
}

type Parser struct {
	// Kind is "xlsx", "csv" or "auto" (pick by the source extension).
	Kind string `json:"kind"`

	// Columns names the source fields by position: cell i is Columns[i].
	Columns []string `json:"columns"`

	Options config.Options `json:"options"`
}

type Storage struct {
	// Backend kind: "sqlite" | "postgres" | "mssql"
	Kind string  `json:"kind"`
	DB   MultiDB `json:"db"`
}

type MultiDB struct {
	DSN  string `json:"dsn"`
	Mode string `json:"mode"` // must be "multi_table"

	// CreateSchema runs EnsureTables before loading.
	CreateSchema bool `json:"create_schema"`

	// Tables are loaded in order; a lookup may only target an earlier table.
	Tables []storage.TableSpec `json:"tables"`
}

type RuntimeConfig struct {
	// BatchSize is the number of inserts per commit. 1 commits every row.
	BatchSize     int `json:"batch_size"`
	ChannelBuffer int `json:"channel_buffer"`

	// DebugTimings logs every commit with its duration.
	DebugTimings bool `json:"debug_timings"`
}

const (
	defaultBatchSize     = 500
	defaultChannelBuffer = 256
)

func (r RuntimeConfig) batchSize() int {
	if r.BatchSize <= 0 {
		return defaultBatchSize
	}
	return r.BatchSize
}

func (r RuntimeConfig) channelBuffer() int {
	if r.ChannelBuffer <= 0 {
		return defaultChannelBuffer
	}
	return r.ChannelBuffer
}

// ResolveParserKind maps "auto" (or empty) to a concrete parser by the
// extension of name.
func ResolveParserKind(kind, name string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != "" && kind != "auto" {
		return kind, nil
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xlsx", ".xlsm":
		return "xlsx", nil
	case ".csv", ".txt":
		return "csv", nil
	case ".xls":
		return "", fmt.Errorf("%s: legacy .xls workbooks are not supported; export it as .xlsx or .csv", name)
	default:
		return "", fmt.Errorf("%s: cannot infer parser from extension; set parser.kind", name)
	}
}

// Validate checks the config shape before any I/O happens.
func Validate(cfg Pipeline) error {
	if strings.TrimSpace(cfg.Source.Location) == "" {
		return fmt.Errorf("source.location is required")
	}
	switch strings.ToLower(cfg.Parser.Kind) {
	case "", "auto", "xlsx", "csv":
	default:
		return fmt.Errorf("parser.kind must be xlsx, csv or auto, got %q", cfg.Parser.Kind)
	}
	if len(cfg.Parser.Columns) == 0 {
		return fmt.Errorf("parser.columns must not be empty")
	}
	if cfg.Storage.Kind == "" {
		return fmt.Errorf("storage.kind must be set")
	}
	if cfg.Storage.DB.Mode != "multi_table" {
		return fmt.Errorf("storage.db.mode must be multi_table")
	}
	if len(cfg.Storage.DB.Tables) == 0 {
		return fmt.Errorf("storage.db.tables must not be empty")
	}
	_, err := compilePlan(cfg)
	return err
}
