// Command cmedload loads the ANVISA CMED price list into a relational store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cmedetl/internal/cmed"
	"cmedetl/internal/config"
	"cmedetl/internal/metrics"
	"cmedetl/internal/metrics/datadog"
	"cmedetl/internal/metrics/prompush"
	"cmedetl/internal/multitable"

	// register all backends with the storage factory.
	_ "cmedetl/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, cfg multitable.Pipeline) (multitable.Summary, error)
}

// appDeps are the side-effecting pieces of runMain, replaced in tests.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	unmarshal   func(data []byte, v any) error
	newRunner   func(logger multitable.Logger) runner
	initMetrics func(ctx context.Context, jobName, backendName, gatewayURL string) (func(), error)
	getenv      func(key string) string
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:  os.ReadFile,
		unmarshal: json.Unmarshal,
		newRunner: func(logger multitable.Logger) runner {
			return multitable.NewDefaultRunner(logger)
		},
		initMetrics: initMetrics,
		getenv:      os.Getenv,
	}
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type cliFlags struct {
	sheet         string
	worksheet     string
	db            string
	initSchema    bool
	configPath    string
	dumpConfig    bool
	skipRows      int
	lenientHeader bool
	batchSize     int
	metrics       string
	pushgateway   string
	verbose       bool
}

const usageLine = "usage: cmedload -sheet <path|url|s3://bucket/key> [-db LISTACMED.db|postgres://...|sqlserver://...]"

// runMain returns the process exit code: 0 ok, 1 run failure, 2 usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var f cliFlags
	fs := flag.NewFlagSet("cmedload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.sheet, "sheet", "", "CMED price list (.xlsx or .csv): local path, http(s) URL or s3://bucket/key")
	fs.StringVar(&f.worksheet, "worksheet", "", "worksheet name (default: first sheet)")
	fs.StringVar(&f.db, "db", "", "output store: SQLite path, postgres:// or sqlserver:// DSN (env CMED_DB, default "+cmed.DefaultDB+")")
	fs.BoolVar(&f.initSchema, "init-schema", false, "create tables even though -db was given")
	fs.StringVar(&f.configPath, "config", "", "pipeline config JSON; replaces the built-in CMED layout")
	fs.BoolVar(&f.dumpConfig, "dump-config", false, "print the effective pipeline config as JSON and exit")
	fs.IntVar(&f.skipRows, "skip-rows", 0, "preamble rows above the header")
	fs.BoolVar(&f.lenientHeader, "lenient-header", false, "do not validate the header layout")
	fs.IntVar(&f.batchSize, "batch-size", 500, "inserts per commit (1 = commit every row)")
	fs.StringVar(&f.metrics, "metrics-backend", "", "metrics backend: none, pushgateway, datadog (env METRICS_BACKEND)")
	fs.StringVar(&f.pushgateway, "pushgateway-url", "", "Pushgateway base URL (env PUSHGATEWAY_URL)")
	fs.BoolVar(&f.verbose, "v", false, "verbose logs, including per-commit timings")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageLine)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := buildPipeline(f, deps)
	if err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "error: %v\n", err)
			fs.Usage()
			return 2
		}
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if f.dumpConfig {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(stderr, "dump config: %v\n", err)
			return 1
		}
		return 0
	}

	logger := log.New(stderr, "", log.LstdFlags)
	if f.verbose {
		logger.Printf("pipeline: source=%s parser=%s storage=%s tables=%d batch_size=%d",
			cfg.Source.Location, cfg.Parser.Kind, cfg.Storage.Kind, len(cfg.Storage.DB.Tables), cfg.Runtime.BatchSize)
	}

	backend := config.FirstNonEmpty(f.metrics, deps.getenv("METRICS_BACKEND"))
	gateway := config.FirstNonEmpty(f.pushgateway, deps.getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
	cleanup, err := deps.initMetrics(ctx, cfg.Job, backend, gateway)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	start := time.Now()
	sum, err := deps.newRunner(logger).Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	for _, t := range sum.Tables {
		fmt.Fprintf(stdout, "%-22s inserted=%d skipped=%d warned=%d\n", t.Table, t.Inserted, t.Skipped, t.Warned)
	}
	if f.verbose {
		logger.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// buildPipeline resolves the pipeline from -config or the built-in layout,
// then applies flag overrides.
func buildPipeline(f cliFlags, deps appDeps) (multitable.Pipeline, error) {
	dsn := config.FirstNonEmpty(strings.TrimSpace(f.db), deps.getenv("CMED_DB"))

	if f.configPath != "" {
		raw, err := deps.readFile(f.configPath)
		if err != nil {
			return multitable.Pipeline{}, fmt.Errorf("read config: %w", err)
		}
		var cfg multitable.Pipeline
		if err := deps.unmarshal(raw, &cfg); err != nil {
			return multitable.Pipeline{}, fmt.Errorf("parse config: %w", err)
		}
		if s := strings.TrimSpace(f.sheet); s != "" {
			cfg.Source.Location = s
		}
		if dsn != "" {
			cfg.Storage.Kind = storeKind(dsn)
			cfg.Storage.DB.DSN = dsn
		}
		if f.initSchema {
			cfg.Storage.DB.CreateSchema = true
		}
		if strings.TrimSpace(cfg.Source.Location) == "" {
			return cfg, usageError{"-sheet is required (config has no source.location)"}
		}
		return cfg, nil
	}

	sheet := strings.TrimSpace(f.sheet)
	if sheet == "" {
		return multitable.Pipeline{}, usageError{"-sheet is required"}
	}
	if f.batchSize < 1 {
		return multitable.Pipeline{}, usageError{"-batch-size must be at least 1"}
	}
	if f.skipRows < 0 {
		return multitable.Pipeline{}, usageError{"-skip-rows must not be negative"}
	}

	// Without an explicit store the default SQLite file is created on demand.
	createSchema := f.initSchema || dsn == ""

	return cmed.DefaultPipeline(cmed.PipelineOptions{
		Sheet:         sheet,
		SheetName:     f.worksheet,
		StoreKind:     storeKind(dsn),
		DSN:           dsn,
		CreateSchema:  createSchema,
		SkipRows:      f.skipRows,
		LenientHeader: f.lenientHeader,
		BatchSize:     f.batchSize,
		DebugTimings:  f.verbose,
	}), nil
}

// storeKind picks the storage backend from the DSN scheme.
func storeKind(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "sqlserver://"):
		return "mssql"
	default:
		return "sqlite"
	}
}

// metricsBackend is the part of a metrics backend the CLI owns: shutdown.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics installs the selected backend and returns its cleanup, which is
// always non-nil.
func initMetrics(ctx context.Context, jobName, backendName, gatewayURL string) (func(), error) {
	nop := func() {}
	if jobName == "" {
		jobName = "cmedload"
	}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return nop, nil

	case "pushgateway":
		b, err := newPushBackend(jobName, gatewayURL)
		if err != nil {
			return nop, fmt.Errorf("pushgateway: %w", err)
		}
		setMetricsBackend(b)
		logPrintf("metrics: backend=pushgateway url=%s job=%s", gatewayURL, jobName)
		return func() {
			if err := metrics.Flush(); err != nil {
				logPrintf("metrics: flush error: %v", err)
			}
		}, nil

	case "datadog":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{JobName: jobName, Tags: tags, FlushEvery: 60 * time.Second})
		if err != nil {
			return nop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		logPrintf("metrics: backend=datadog job=%s tags=%v", jobName, tags)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close/flush error: %v", err)
			}
		}, nil

	default:
		logPrintf("metrics: unknown backend %q; metrics disabled", backendName)
		return nop, nil
	}
}
