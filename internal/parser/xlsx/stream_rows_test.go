package xlsx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"cmedetl/internal/config"
	"cmedetl/internal/transformer"
)

// workbook builds an in-memory workbook with the given rows on Sheet1.
func workbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf
}

func run(t *testing.T, buf *bytes.Buffer, cols []string, opt config.Options) ([]*transformer.Row, error) {
	t.Helper()
	out := make(chan *transformer.Row, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		errCh <- StreamXLSXRows(context.Background(), buf, cols, opt, out, nil)
	}()
	var rows []*transformer.Row
	for r := range out {
		rows = append(rows, r)
	}
	return rows, <-errCh
}

func TestStreamXLSXRows_SkipsPreambleAndValidatesHeader(t *testing.T) {
	buf := workbook(t, [][]any{
		{"PREÇOS MÁXIMOS DE MEDICAMENTOS"},
		{"SUBSTÂNCIA", "CNPJ", "PF 0%"},
		{"DIPIRONA", " 11.111.111/0001-11 ", "12,34"},
		{},
		{"PARACETAMOL", "22.222.222/0001-22", 7.5},
	})

	opt := config.Options{
		"skip_rows":      float64(1),
		"min_columns":    float64(3),
		"header_anchors": map[string]any{"0": "SUBST", "2": "PF"},
	}
	rows, err := run(t, buf, []string{"substancia", "cnpj", "pf_0"}, opt)
	if err != nil {
		t.Fatalf("StreamXLSXRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d want 2", len(rows))
	}
	if rows[0].Line != 3 || rows[0].V[1] != "11.111.111/0001-11" || rows[0].V[2] != "12,34" {
		t.Fatalf("row0 line=%d v=%v", rows[0].Line, rows[0].V)
	}
	if rows[1].V[0] != "PARACETAMOL" || rows[1].V[2] != "7.5" {
		t.Fatalf("row1=%v", rows[1].V)
	}
}

func TestStreamXLSXRows_HeaderMismatch(t *testing.T) {
	buf := workbook(t, [][]any{{"CNPJ", "SUBSTÂNCIA"}, {"1", "2"}})
	_, err := run(t, buf, []string{"a", "b"}, config.Options{
		"header_anchors": map[string]any{"0": "SUBST"},
	})
	if err == nil || !strings.Contains(err.Error(), "header layout mismatch") {
		t.Fatalf("expected header mismatch, got %v", err)
	}
}

func TestStreamXLSXRows_UnknownSheet(t *testing.T) {
	buf := workbook(t, [][]any{{"a"}})
	_, err := run(t, buf, []string{"a"}, config.Options{"sheet": "Nope"})
	if err == nil {
		t.Fatalf("expected error for unknown sheet")
	}
}

func TestStreamXLSXRows_NotAWorkbook(t *testing.T) {
	_, err := run(t, bytes.NewBufferString("plain text"), []string{"a"}, nil)
	if err == nil {
		t.Fatalf("expected error for non-xlsx input")
	}
}
