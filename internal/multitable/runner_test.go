package multitable

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cmedetl/internal/storage"
)

func fakeRunner(repo *fakeRepo, readErr error) (*Runner, *storage.MultiConfig) {
	var got storage.MultiConfig
	return &Runner{
		ReadSource: func(ctx context.Context, location string) (string, []byte, error) {
			if readErr != nil {
				return "", nil, readErr
			}
			return location, []byte("SUB;CNPJ;LAB;CLS;EAN;PF\nAAS;11;EMS;N2B - X;789;1,0\n"), nil
		},
		NewRepository: func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
			got = cfg
			return repo, nil
		},
	}, &got
}

func TestRunnerCreatesSchemaAndLoads(t *testing.T) {
	t.Setenv("CMED_TEST_DB", "/tmp/x.db")

	repo := newFakeRepo()
	r, got := fakeRunner(repo, nil)

	cfg := testPipeline()
	cfg.Parser.Kind = "auto"
	cfg.Parser.Options = map[string]any{"comma": ";"}
	cfg.Storage.DB.DSN = "${CMED_TEST_DB}"
	cfg.Storage.DB.CreateSchema = true

	sum, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.DSN != "/tmp/x.db" || got.Kind != "fake" {
		t.Fatalf("repo config=%+v", *got)
	}
	if strings.Join(repo.ensured, ",") != "SUB,LAB,CLS,PROD,PRICE,MARK" {
		t.Fatalf("ensured=%v", repo.ensured)
	}
	if repo.closed != 1 {
		t.Fatalf("repo closed %d times", repo.closed)
	}
	// The header line is consumed; the single data row lands everywhere it can.
	if st, _ := sum.Table("SUB"); st.Rows != 1 {
		t.Fatalf("SUB stats=%+v", st)
	}
	if repo.count("MARK") != 1 {
		t.Fatalf("marker rows=%d", repo.count("MARK"))
	}
}

func TestRunnerSkipsSchemaWhenNotRequested(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	r, _ := fakeRunner(repo, nil)
	if _, err := r.Run(context.Background(), testPipeline()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(repo.ensured) != 0 {
		t.Fatalf("EnsureTables must not run: %v", repo.ensured)
	}
}

func TestRunnerErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("unreachable")

	r, _ := fakeRunner(newFakeRepo(), boom)
	if _, err := r.Run(context.Background(), testPipeline()); !errors.Is(err, boom) {
		t.Fatalf("read error=%v", err)
	}

	r, _ = fakeRunner(newFakeRepo(), nil)
	cfg := testPipeline()
	cfg.Source.Location = "old.xls"
	cfg.Parser.Kind = "auto"
	if _, err := r.Run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), ".xls") {
		t.Fatalf("xls error=%v", err)
	}

	r, _ = fakeRunner(newFakeRepo(), nil)
	r.NewRepository = func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
		return nil, boom
	}
	if _, err := r.Run(context.Background(), testPipeline()); !errors.Is(err, boom) || !strings.Contains(err.Error(), "open store") {
		t.Fatalf("store error=%v", err)
	}

	r, _ = fakeRunner(newFakeRepo(), nil)
	cfg = testPipeline()
	cfg.Storage.DB.Mode = ""
	if _, err := r.Run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "config:") {
		t.Fatalf("config error=%v", err)
	}
}
