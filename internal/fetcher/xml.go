package fetcher

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// CharsetReader decodes any charset known to the WHATWG encoding index
// (ISO-8859-1, Windows-1252, UTF-16, ...).
func CharsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}

// XMLOptions select and bound the elements StreamXML decodes.
type XMLOptions struct {
	// Element is the local name of the repeated record element.
	Element string
	// MinRecords fails the stream when fewer records arrive. A sanctions
	// feed that parses to nothing is treated as broken, not as empty.
	MinRecords int
	// MaxRecords stops the stream once exceeded (0 = unbounded).
	MaxRecords int
}

// StreamXML decodes every opts.Element element into a T. Decode errors
// name the record ordinal and byte offset. Both channels are closed when
// processing completes.
func StreamXML[T any](ctx context.Context, r io.Reader, opts XMLOptions) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := xml.NewDecoder(r)
		decoder.CharsetReader = CharsetReader
		n := 0

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				if n < opts.MinRecords {
					errCh <- eris.Errorf("xml: found %d <%s> records, want at least %d", n, opts.Element, opts.MinRecords)
				}
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "xml: read token after %d <%s> records", n, opts.Element)
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != opts.Element {
				continue
			}

			n++
			if opts.MaxRecords > 0 && n > opts.MaxRecords {
				errCh <- eris.Errorf("xml: more than %d <%s> records", opts.MaxRecords, opts.Element)
				return
			}

			offset := decoder.InputOffset()
			var item T
			if err := decoder.DecodeElement(&item, &se); err != nil {
				errCh <- eris.Wrapf(err, "xml: decode <%s> record %d at byte %d", opts.Element, n, offset)
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xml: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}
