package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Record is one parsed row keyed by lower-cased header name.
type Record map[string]string

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	// SkipRows drops leading rows before the header (titles, disclaimers).
	SkipRows int
}

// StreamCSV reads a headed CSV file and sends one Record per data row.
// Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Record, <-chan error) {
	outCh := make(chan Record, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		var header []string
		row := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			cells, err := reader.Read()
			if err == io.EOF {
				if header == nil {
					errCh <- eris.New("csv: no header row")
				}
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			row++
			if row <= opts.SkipRows {
				continue
			}
			if header == nil {
				header = normalizeHeader(cells)
				continue
			}

			select {
			case outCh <- toRecord(header, cells):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

func normalizeHeader(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "\ufeff")))
	}
	return out
}

func toRecord(header, cells []string) Record {
	rec := make(Record, len(header))
	for i, h := range header {
		if h == "" || i >= len(cells) {
			continue
		}
		rec[h] = strings.TrimSpace(cells[i])
	}
	return rec
}

// Drain collects a record stream, returning the first error.
func Drain[T any](items <-chan T, errs <-chan error) ([]T, error) {
	var out []T
	for it := range items {
		out = append(out, it)
	}
	if err := <-errs; err != nil {
		return out, err
	}
	return out, nil
}
