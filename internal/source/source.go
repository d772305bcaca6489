// Package source resolves the -sheet argument to a byte stream: a local file,
// an http(s) URL or an s3://bucket/key object.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	KindFile = "file"
	KindHTTP = "http"
	KindS3   = "s3"
)

// Location is a parsed input reference.
type Location struct {
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`   // file
	URL    string `json:"url,omitempty"`    // http
	Bucket string `json:"bucket,omitempty"` // s3
	Key    string `json:"key,omitempty"`    // s3
}

// Parse classifies a location string. Anything without a recognized scheme
// is a local path.
func Parse(loc string) (Location, error) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return Location{}, fmt.Errorf("source: empty location")
	}
	lower := strings.ToLower(loc)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if _, err := url.Parse(loc); err != nil {
			return Location{}, fmt.Errorf("source: bad url %q: %w", loc, err)
		}
		return Location{Kind: KindHTTP, URL: loc}, nil
	case strings.HasPrefix(lower, "s3://"):
		rest := loc[len("s3://"):]
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Location{}, fmt.Errorf("source: s3 location must be s3://bucket/key, got %q", loc)
		}
		return Location{Kind: KindS3, Bucket: bucket, Key: key}, nil
	default:
		return Location{Kind: KindFile, Path: loc}, nil
	}
}

// Name is the last path element, used to pick a parser by extension.
func (l Location) Name() string {
	switch l.Kind {
	case KindHTTP:
		if u, err := url.Parse(l.URL); err == nil {
			return path.Base(u.Path)
		}
		return l.URL
	case KindS3:
		return path.Base(l.Key)
	default:
		return path.Base(strings.ReplaceAll(l.Path, "\\", "/"))
	}
}

func (l Location) String() string {
	switch l.Kind {
	case KindHTTP:
		return l.URL
	case KindS3:
		return "s3://" + l.Bucket + "/" + l.Key
	default:
		return l.Path
	}
}

// Opener opens locations. The zero value works; fields are seams for tests.
type Opener struct {
	HTTPClient *http.Client

	// S3 overrides client construction; nil means NewS3FromEnv.
	S3 func(ctx context.Context) (ObjectGetter, error)
}

// Open returns a reader for the location. The caller closes it.
func (o *Opener) Open(ctx context.Context, l Location) (io.ReadCloser, error) {
	switch l.Kind {
	case KindFile, "":
		f, err := os.Open(l.Path)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return f, nil

	case KindHTTP:
		return o.openHTTP(ctx, l.URL)

	case KindS3:
		newClient := o.S3
		if newClient == nil {
			newClient = NewS3FromEnv
		}
		getter, err := newClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("open source: s3 client: %w", err)
		}
		return getter.Get(ctx, l.Bucket, l.Key)

	default:
		return nil, fmt.Errorf("open source: unsupported kind %q", l.Kind)
	}
}

func (o *Opener) openHTTP(ctx context.Context, u string) (io.ReadCloser, error) {
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open source: GET %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open source: GET %s: status %d", u, resp.StatusCode)
	}
	return resp.Body, nil
}

// ReadAll opens the location and buffers it. Every loader pass re-reads the
// sheet, so remote sources are fetched once and replayed from memory.
func (o *Opener) ReadAll(ctx context.Context, l Location) ([]byte, error) {
	rc, err := o.Open(ctx, l)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", l, err)
	}
	return b, nil
}
