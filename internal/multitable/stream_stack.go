package multitable

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"cmedetl/internal/parser/csv"
	"cmedetl/internal/parser/xlsx"
	"cmedetl/internal/transformer"
)

// RowStream is one pass over the source. The consumer must range over Rows
// until it is closed, Free each row, then call Wait.
type RowStream struct {
	Rows <-chan *transformer.Row

	wg  sync.WaitGroup
	err error
}

// Wait blocks until the parser goroutine exits and returns its fatal error
// (bad header, unreadable workbook, cancellation).
func (s *RowStream) Wait() error {
	s.wg.Wait()
	return s.err
}

// StreamFn opens one pass over data. onErr receives per-row parse errors,
// which are not fatal.
type StreamFn func(ctx context.Context, cfg Pipeline, data []byte, onErr func(line int, err error)) (*RowStream, error)

type parseFn func(ctx context.Context, data []byte, cfg Pipeline, out chan<- *transformer.Row, onErr func(int, error)) error

func parserFor(kind string) (parseFn, error) {
	switch kind {
	case "csv":
		return func(ctx context.Context, data []byte, cfg Pipeline, out chan<- *transformer.Row, onErr func(int, error)) error {
			return csv.StreamCSVRows(ctx, bytes.NewReader(data), cfg.Parser.Columns, cfg.Parser.Options, out, onErr)
		}, nil
	case "xlsx":
		return func(ctx context.Context, data []byte, cfg Pipeline, out chan<- *transformer.Row, onErr func(int, error)) error {
			return xlsx.StreamXLSXRows(ctx, bytes.NewReader(data), cfg.Parser.Columns, cfg.Parser.Options, out, onErr)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported parser.kind %q", kind)
	}
}

// StreamRows runs the configured parser over data in a goroutine. The source
// bytes are read once by the runner and replayed for every table pass.
func StreamRows(ctx context.Context, cfg Pipeline, data []byte, onErr func(line int, err error)) (*RowStream, error) {
	parse, err := parserFor(cfg.Parser.Kind)
	if err != nil {
		return nil, err
	}

	out := make(chan *transformer.Row, cfg.Runtime.channelBuffer())
	s := &RowStream{Rows: out}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		s.err = parse(ctx, data, cfg, out, onErr)
	}()
	return s, nil
}
