package multitable

import (
	"context"
	"fmt"
	"os"
	"time"

	"cmedetl/internal/metrics"
	"cmedetl/internal/source"
	"cmedetl/internal/storage"
)

type Runner struct {
	// ReadSource returns the file name (for parser detection) and its bytes.
	ReadSource func(ctx context.Context, location string) (name string, data []byte, err error)

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)

	Logger Logger
}

func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		ReadSource:    readSource,
		NewRepository: storage.NewMulti,
		Logger:        logger,
	}
}

func readSource(ctx context.Context, location string) (string, []byte, error) {
	loc, err := source.Parse(location)
	if err != nil {
		return "", nil, err
	}
	var o source.Opener
	data, err := o.ReadAll(ctx, loc)
	if err != nil {
		return "", nil, err
	}
	return loc.Name(), data, nil
}

// Run loads cfg end to end. Fatal errors (bad config, unreadable source,
// header mismatch, store or DDL failures) are returned; row-level problems are
// logged and counted in the summary.
func (r *Runner) Run(ctx context.Context, cfg Pipeline) (Summary, error) {
	if err := Validate(cfg); err != nil {
		return Summary{}, fmt.Errorf("config: %w", err)
	}
	e := &Engine{Logger: r.Logger}
	logf := e.logger()

	start := time.Now()
	name, data, err := r.ReadSource(ctx, cfg.Source.Location)
	metrics.RecordStep("read_source", err, time.Since(start))
	if err != nil {
		return Summary{}, err
	}
	logf("stage=read_source ok name=%s bytes=%d duration=%s", name, len(data), durMS(start))

	kind, err := ResolveParserKind(cfg.Parser.Kind, name)
	if err != nil {
		return Summary{}, err
	}
	cfg.Parser.Kind = kind

	repo, err := r.NewRepository(ctx, storage.MultiConfig{
		Kind: cfg.Storage.Kind,
		DSN:  os.ExpandEnv(cfg.Storage.DB.DSN),
	})
	if err != nil {
		return Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	if cfg.Storage.DB.CreateSchema {
		p, err := compilePlan(cfg)
		if err != nil {
			return Summary{}, err
		}
		start := time.Now()
		err = repo.EnsureTables(ctx, p.allTables())
		metrics.RecordStep("schema", err, time.Since(start))
		if err != nil {
			return Summary{}, fmt.Errorf("create schema: %w", err)
		}
		logf("stage=schema ok tables=%d duration=%s", len(p.allTables()), durMS(start))
	}

	e.Repo = repo
	return e.Run(ctx, cfg, data)
}
