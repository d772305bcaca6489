// Command cmedfetch finds the current CMED price list on the ANVISA page and
// optionally downloads it for cmedload.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cmedetl/internal/config"
	"cmedetl/internal/discover"
	"cmedetl/internal/metrics"
)

type fetcher interface {
	Get(ctx context.Context, rawURL string, consume func(io.Reader) error) error
	Download(ctx context.Context, rawURL, dir string) (string, int64, error)
}

type deps struct {
	newFetcher func(timeout time.Duration, attempts int) fetcher
	getenv     func(string) string
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, deps{
		newFetcher: func(timeout time.Duration, attempts int) fetcher {
			f := discover.NewFetcher(timeout)
			f.MaxAttempts = attempts
			return f
		},
		getenv: os.Getenv,
	})
	stop()
	os.Exit(code)
}

// run prints the chosen price-list URL (or every candidate with -all). With
// -out it downloads the chosen file and prints its local path instead.
//
// Exit codes: 0 ok, 1 fetch or download failure, 2 usage error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	var (
		page     string
		outDir   string
		all      bool
		timeout  time.Duration
		attempts int
	)
	fs := flag.NewFlagSet("cmedfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&page, "page", "", "listing page URL (env CMED_PAGE_URL, default ANVISA CMED page)")
	fs.StringVar(&outDir, "out", "", "download the chosen list into this directory")
	fs.BoolVar(&all, "all", false, "print every candidate link instead of the chosen one")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "per-request timeout")
	fs.IntVar(&attempts, "attempts", 3, "attempts per request")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if attempts < 1 {
		fmt.Fprintln(stderr, "-attempts must be > 0")
		return 2
	}
	if all && outDir != "" {
		fmt.Fprintln(stderr, "-all and -out are mutually exclusive")
		return 2
	}
	page = config.FirstNonEmpty(page, d.getenv("CMED_PAGE_URL"), discover.DefaultPage)

	logger := log.New(stderr, "", log.LstdFlags)
	f := d.newFetcher(timeout, attempts)

	start := time.Now()
	var links []discover.Link
	err := f.Get(ctx, page, func(r io.Reader) error {
		var perr error
		links, perr = discover.FindLinks(page, r)
		return perr
	})
	metrics.RecordStep("discover", err, time.Since(start))
	if err != nil {
		fmt.Fprintf(stderr, "fetch page: %v\n", err)
		return 1
	}
	logger.Printf("stage=discover page=%s candidates=%d", page, len(links))

	if all {
		for _, l := range links {
			fmt.Fprintf(stdout, "%s\t%s\n", l.URL, l.Text)
		}
		return 0
	}

	best, ok := discover.Best(links)
	if !ok {
		fmt.Fprintf(stderr, "no .xlsx or .csv price list linked from %s\n", page)
		return 1
	}
	if outDir == "" {
		fmt.Fprintln(stdout, best.URL)
		return 0
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "create %s: %v\n", outDir, err)
		return 1
	}
	start = time.Now()
	path, n, err := f.Download(ctx, best.URL, outDir)
	metrics.RecordStep("download", err, time.Since(start))
	if err != nil {
		fmt.Fprintf(stderr, "download: %v\n", err)
		return 1
	}
	logger.Printf("stage=download url=%s file=%s bytes=%d", best.URL, path, n)
	fmt.Fprintln(stdout, path)
	return 0
}
