// Package xlsx streams worksheet rows from an Office Open XML workbook.
package xlsx

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"cmedetl/internal/config"
	"cmedetl/internal/parser"
	"cmedetl/internal/transformer"
	"cmedetl/internal/transformer/builtin"
)

// StreamXLSXRows reads one worksheet positionally into pooled rows, mirroring
// csv.StreamCSVRows: cell i lands in row.V[i], blank cells become nil and
// row.Line is the 1-based sheet row.
//
// Options: sheet (default: first sheet), skip_rows, has_header, trim_space,
// raw_values (default true; numbers come back unformatted), plus the header
// layout options of parser.HeaderCheckFromOptions.
func StreamXLSXRows(
	ctx context.Context,
	src io.Reader,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	check, err := parser.HeaderCheckFromOptions(opt)
	if err != nil {
		return err
	}

	f, err := excelize.OpenReader(src)
	if err != nil {
		return fmt.Errorf("xlsx: open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := opt.String("sheet", "")
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return fmt.Errorf("xlsx: workbook has no sheets")
		}
		sheet = sheets[0]
	}

	iter, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("xlsx: open rows of sheet %q: %w", sheet, err)
	}
	defer func() { _ = iter.Close() }()

	skip := opt.Int("skip_rows", 0)
	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	cellOpts := excelize.Options{RawCellValue: opt.Bool("raw_values", true)}

	line := 0
	headerDone := !hasHeader
	for iter.Next() {
		line++
		if line <= skip {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cells, err := iter.Columns(cellOpts)
		if err != nil {
			if !headerDone {
				return fmt.Errorf("xlsx: read header at row %d: %w", line, err)
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("xlsx read: %w", err))
			}
			continue
		}

		if !headerDone {
			if err := check.Check(cells); err != nil {
				return err
			}
			headerDone = true
			continue
		}
		if blankRow(cells) {
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line
		for i := range columns {
			if i >= len(cells) {
				break
			}
			v := cells[i]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v != "" {
				row.V[i] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("xlsx: iterate sheet %q: %w", sheet, err)
	}
	if !headerDone {
		return fmt.Errorf("xlsx: sheet %q has no header row", sheet)
	}
	return nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
