package csv

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"cmedetl/internal/config"
	"cmedetl/internal/parser"
	"cmedetl/internal/transformer"
	"cmedetl/internal/transformer/builtin"
)

// decoderFor maps an "encoding" option to a text decoder. The CMED CSV export
// is Windows-1252, so that is the default.
func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "utf-8", "utf8":
		return unicode.UTF8BOM.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// StreamCSVRows reads a delimited export positionally into pooled rows: cell i
// lands in row.V[i] for i < len(columns). Blank cells become nil.
//
// Options: skip_rows (preamble lines above the header), has_header, comma
// (default ';'), encoding, trim_space, lazy_quotes, plus the header layout
// options understood by parser.HeaderCheckFromOptions.
//
// A header that fails the layout check is fatal. Malformed records are
// reported through onErr and skipped.
func StreamCSVRows(
	ctx context.Context,
	src io.Reader,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	dec, err := decoderFor(opt.String("encoding", ""))
	if err != nil {
		return err
	}
	check, err := parser.HeaderCheckFromOptions(opt)
	if err != nil {
		return err
	}

	skip := opt.Int("skip_rows", 0)
	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)

	// Preamble lines are skipped as raw text: the title block above the header
	// does not have to be valid CSV.
	br := bufio.NewReader(transform.NewReader(src, dec))
	line := 0
	for ; line < skip; line++ {
		if _, err := br.ReadString('\n'); err != nil {
			if err == io.EOF {
				return fmt.Errorf("csv: input ended inside %d preamble rows", skip)
			}
			return fmt.Errorf("csv: skip preamble: %w", err)
		}
	}

	cr := csv.NewReader(br)
	cr.Comma = opt.Rune("comma", ';')
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", true)
	cr.FieldsPerRecord = -1

	// Reader positions are relative to the first line after the preamble.
	offset := line
	if hasHeader {
		hdr, err := cr.Read()
		if err != nil {
			return fmt.Errorf("csv: read header at line %d: %w", offset+1, err)
		}
		if len(hdr) > 0 {
			hdr[0] = strings.TrimPrefix(hdr[0], "\uFEFF")
		}
		if err := check.Check(hdr); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = offset + pe.StartLine
			}
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}
		// Physical line of the record's first field; quoted fields may span lines.
		l, _ := cr.FieldPos(0)
		line = offset + l
		if blankRecord(rec) {
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line
		for i := range columns {
			if i >= len(rec) {
				break
			}
			v := rec[i]
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
}

func blankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
