package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoHeader is returned for input without a single row.
var ErrNoHeader = eris.New("csv: no header row")

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	// Delimiter separates fields. Default: ';'.
	Delimiter rune
	// TrimSpace strips surrounding whitespace from every field.
	TrimSpace bool
	// SkipBlank drops rows whose fields are all empty.
	SkipBlank bool
}

// ReadCSV reads the header of r and streams the remaining rows on the
// returned channel, which is closed at the end of input. The error channel
// then yields at most one error. Rows may be wider or narrower than the
// header and quotes are parsed leniently.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) ([]string, <-chan []string, <-chan error, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil, ErrNoHeader
	}
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "csv: read header")
	}
	if opts.TrimSpace {
		trim(header)
	}

	rows := make(chan []string, 256)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(rows)
		for {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				trim(rec)
			}
			if opts.SkipBlank && blank(rec) {
				continue
			}
			select {
			case rows <- rec:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return header, rows, errc, nil
}

func trim(rec []string) {
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if v != "" {
			return false
		}
	}
	return true
}
