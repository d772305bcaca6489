package discover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Fetcher downloads pages and files with bounded retries.
type Fetcher struct {
	Client      *http.Client
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Sleep waits between attempts; it returns false when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// NewFetcher returns a Fetcher with a per-request timeout and three attempts.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		Sleep:       sleepContext,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Get retries GET until it gets a 2xx and passes the body to consume.
// 4xx responses other than 429 fail immediately.
func (f *Fetcher) Get(ctx context.Context, rawURL string, consume func(io.Reader) error) error {
	attempts := f.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := f.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := f.attempt(ctx, rawURL, consume)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if !sleep(ctx, f.retryDelay(se, attempt)) {
			break
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, consume func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "cmedfetch/1.0")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: rawURL, StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header)}
	}
	return consume(resp.Body)
}

// retryDelay honours Retry-After on 429, else backs off exponentially.
func (f *Fetcher) retryDelay(se *StatusError, attempt int) time.Duration {
	if se != nil && se.StatusCode == http.StatusTooManyRequests && se.RetryAfter > 0 {
		return se.RetryAfter
	}
	d := f.BaseBackoff << uint(attempt-1)
	if f.MaxBackoff > 0 && d > f.MaxBackoff {
		d = f.MaxBackoff
	}
	return d
}

// Download writes the body of rawURL into dir, named after the last path
// segment, and returns the file path.
func (f *Fetcher) Download(ctx context.Context, rawURL, dir string) (string, int64, error) {
	outputPath := filepath.Join(dir, FileName(rawURL))
	var n int64
	err := f.Get(ctx, rawURL, func(r io.Reader) error {
		var werr error
		n, werr = writeBodyToFile(outputPath, r)
		return werr
	})
	if err != nil {
		return "", n, err
	}
	return outputPath, n, nil
}

// FileName derives a local file name from a download URL.
func FileName(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if i := strings.Index(p, "/@@download"); i >= 0 {
		p = p[:i]
	}
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return "cmed_download"
	}
	return name
}

// writeBodyToFile writes r to outputPath through a temp file in the same
// directory, renamed into place on success.
func writeBodyToFile(outputPath string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".cmedfetch-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmpName)
		return n, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return n, closeErr
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return n, err
	}
	return n, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
