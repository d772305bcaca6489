package csv

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"cmedetl/internal/config"
	"cmedetl/internal/transformer"
)

func collect(t *testing.T, input []byte, cols []string, opt config.Options) ([]*transformer.Row, []int, error) {
	t.Helper()
	out := make(chan *transformer.Row, 16)
	var errLines []int
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- StreamCSVRows(context.Background(), bytes.NewReader(input), cols, opt, out, func(line int, err error) {
			errLines = append(errLines, line)
		})
	}()
	var rows []*transformer.Row
	for r := range out {
		rows = append(rows, r)
	}
	return rows, errLines, <-errCh
}

func TestStreamCSVRows_Windows1252Positional(t *testing.T) {
	src := "LISTA DE PREÇOS\n\nSUBSTÂNCIA;CNPJ;LABORATÓRIO\nDIPIRONA; 11.111.111/0001-11 ;EMS\n;;\nCAFEÍNA;;\n"
	enc, err := charmap.Windows1252.NewEncoder().String(src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	opt := config.Options{
		"skip_rows":      float64(2),
		"min_columns":    float64(3),
		"header_anchors": map[string]any{"0": "SUBST", "2": "LABORAT"},
	}
	rows, _, err := collect(t, []byte(enc), []string{"substancia", "cnpj", "laboratorio"}, opt)
	if err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d want 2 (blank record skipped)", len(rows))
	}
	if rows[0].V[0] != "DIPIRONA" || rows[0].V[1] != "11.111.111/0001-11" || rows[0].V[2] != "EMS" {
		t.Fatalf("row0=%v", rows[0].V)
	}
	if rows[0].Line != 4 {
		t.Fatalf("row0 line=%d want 4", rows[0].Line)
	}
	if rows[1].V[0] != "CAFEÍNA" || rows[1].V[1] != nil {
		t.Fatalf("row1=%v", rows[1].V)
	}
}

func TestStreamCSVRows_HeaderMismatchIsFatal(t *testing.T) {
	opt := config.Options{
		"encoding":       "utf-8",
		"header_anchors": map[string]any{"0": "SUBST"},
	}
	_, _, err := collect(t, []byte("CNPJ;SUBSTANCIA\n1;2\n"), []string{"a", "b"}, opt)
	if err == nil || !strings.Contains(err.Error(), "header layout mismatch") {
		t.Fatalf("expected header mismatch, got %v", err)
	}
}

func TestStreamCSVRows_LineNumbersFollowMultilineFields(t *testing.T) {
	src := "TITULO\nSUBST;OBS\nA;\"linha 1\nlinha 2\nlinha 3\"\nB;x\n\nC;y\n"
	opt := config.Options{"encoding": "utf-8", "skip_rows": float64(1)}
	rows, errLines, err := collect(t, []byte(src), []string{"subst", "obs"}, opt)
	if err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	if len(errLines) != 0 {
		t.Fatalf("errLines=%v", errLines)
	}
	want := map[string]int{"A": 3, "B": 6, "C": 8}
	if len(rows) != len(want) {
		t.Fatalf("rows=%d want %d", len(rows), len(want))
	}
	for _, r := range rows {
		name := r.V[0].(string)
		if r.Line != want[name] {
			t.Fatalf("row %s line=%d want %d", name, r.Line, want[name])
		}
	}
	if rows[0].V[1] != "linha 1\nlinha 2\nlinha 3" {
		t.Fatalf("multiline field=%q", rows[0].V[1])
	}
}

func TestStreamCSVRows_ShortRowsPadWithNil(t *testing.T) {
	opt := config.Options{"encoding": "utf-8", "comma": ","}
	rows, _, err := collect(t, []byte("\uFEFFa,b,c\n1\n"), []string{"a", "b", "c"}, opt)
	if err != nil {
		t.Fatalf("StreamCSVRows: %v", err)
	}
	if len(rows) != 1 || rows[0].V[0] != "1" || rows[0].V[1] != nil || rows[0].V[2] != nil {
		t.Fatalf("rows=%v", rows[0].V)
	}
}

func TestStreamCSVRows_UnsupportedEncoding(t *testing.T) {
	_, _, err := collect(t, []byte("a\n"), []string{"a"}, config.Options{"encoding": "ebcdic"})
	if err == nil {
		t.Fatalf("expected unsupported encoding error")
	}
}

func TestStreamCSVRows_PreambleLongerThanInput(t *testing.T) {
	_, _, err := collect(t, []byte("only\n"), []string{"a"}, config.Options{"encoding": "utf-8", "skip_rows": float64(3)})
	if err == nil {
		t.Fatalf("expected error when input ends inside the preamble")
	}
}
