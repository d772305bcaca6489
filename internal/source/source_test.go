package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Location
		name string
	}{
		{"xls_conformidade_site.xlsx", Location{Kind: KindFile, Path: "xls_conformidade_site.xlsx"}, "xls_conformidade_site.xlsx"},
		{"https://example.org/cmed/lista.xlsx?v=2", Location{Kind: KindHTTP, URL: "https://example.org/cmed/lista.xlsx?v=2"}, "lista.xlsx"},
		{"s3://precos/2024/10/lista.csv", Location{Kind: KindS3, Bucket: "precos", Key: "2024/10/lista.csv"}, "lista.csv"},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q)=%+v want %+v", tc.in, got, tc.want)
		}
		if got.Name() != tc.name {
			t.Fatalf("Name()=%q want %q", got.Name(), tc.name)
		}
	}

	for _, bad := range []string{"", "s3://bucket-only", "s3:///key"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) expected error", bad)
		}
	}
}

func TestOpenFileAndReadAll(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lista.csv")
	if err := os.WriteFile(p, []byte("a;b\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var o Opener
	b, err := o.ReadAll(context.Background(), Location{Kind: KindFile, Path: p})
	if err != nil || string(b) != "a;b\n" {
		t.Fatalf("ReadAll=%q,%v", b, err)
	}
	if _, err := o.ReadAll(context.Background(), Location{Kind: KindFile, Path: p + ".missing"}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestOpenHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.xlsx" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("sheet-bytes"))
	}))
	defer srv.Close()

	o := Opener{HTTPClient: srv.Client()}
	b, err := o.ReadAll(context.Background(), Location{Kind: KindHTTP, URL: srv.URL + "/lista.xlsx"})
	if err != nil || string(b) != "sheet-bytes" {
		t.Fatalf("ReadAll=%q,%v", b, err)
	}
	_, err = o.ReadAll(context.Background(), Location{Kind: KindHTTP, URL: srv.URL + "/missing.xlsx"})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

// fakeS3 answers path-style GetObject requests from an in-memory map.
type fakeS3 struct{ objects map[string][]byte }

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	key := strings.TrimPrefix(req.URL.Path, "/")
	body, ok := f.objects[key]
	if req.Method != http.MethodGet || !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{"Content-Type": {"application/xml"}},
			Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>nope</Message></Error>`)),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Length": {itoa(len(body))}},
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		Request:       req,
	}, nil
}

func itoa(n int) string {
	var b [20]byte
	i := len(b)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func TestOpenS3WithFakeTransport(t *testing.T) {
	rt := &fakeS3{objects: map[string][]byte{"precos/2024/lista.csv": []byte("SUBSTANCIA;CNPJ\n")}}

	o := Opener{S3: func(ctx context.Context) (ObjectGetter, error) {
		return NewS3(ctx, S3Config{
			Region:          "us-east-1",
			Endpoint:        "https://mock.s3.local",
			PathStyle:       true,
			AccessKeyID:     "AKIA",
			SecretAccessKey: "SECRET",
		}, func(o *s3.Options) { o.HTTPClient = &http.Client{Transport: rt} })
	}}

	b, err := o.ReadAll(context.Background(), Location{Kind: KindS3, Bucket: "precos", Key: "2024/lista.csv"})
	if err != nil {
		t.Fatalf("ReadAll s3: %v", err)
	}
	if string(b) != "SUBSTANCIA;CNPJ\n" {
		t.Fatalf("body=%q", b)
	}

	if _, err := o.ReadAll(context.Background(), Location{Kind: KindS3, Bucket: "precos", Key: "nope.csv"}); err == nil {
		t.Fatalf("expected error for missing object")
	}
}
