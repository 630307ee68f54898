package archive

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/fetcher"
)

// Missing marks a value absent from a row, either because the source field
// was empty or because the row's year did not publish that column.
const Missing = ""

// Delimiter separates fields in source and combined tables.
const Delimiter = ';'

// headerAliases maps historical column spellings onto the current names.
var headerAliases = map[string]string{
	"IstSonstige": "IstSonstig",
	"USTRZUSTAND": "STRZUSTAND",
	"IstStrasse":  "STRZUSTAND",
}

// Table is an in-memory tabular dataset with named columns. Every row has
// exactly len(Columns) values.
type Table struct {
	Columns []string
	Rows    [][]string

	index map[string]int
}

// NewTable creates an empty table with the given columns.
func NewTable(columns []string) *Table {
	t := &Table{Columns: append([]string(nil), columns...)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	if t.index == nil {
		t.reindex()
	}
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

// Append adds a row, padding short rows with Missing and dropping surplus fields.
func (t *Table) Append(row []string) {
	out := make([]string, len(t.Columns))
	copy(out, row)
	t.Rows = append(t.Rows, out)
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := NewTable(t.Columns)
	c.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		c.Rows[i] = append([]string(nil), r...)
	}
	return c
}

// Select returns a new table holding only the named columns, in that order.
func (t *Table) Select(columns ...string) (*Table, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = t.Index(c)
		if idx[i] < 0 {
			return nil, eris.Errorf("archive: table has no column %q", c)
		}
	}
	out := NewTable(columns)
	out.Rows = make([][]string, len(t.Rows))
	for r, row := range t.Rows {
		vals := make([]string, len(idx))
		for i, j := range idx {
			vals[i] = row[j]
		}
		out.Rows[r] = vals
	}
	return out, nil
}

// Concat merges tables with a column union. Columns keep first-seen order;
// rows from tables lacking a column get Missing for it.
func Concat(tables ...*Table) *Table {
	var columns []string
	seen := make(map[string]bool)
	total := 0
	for _, t := range tables {
		for _, c := range t.Columns {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
		total += t.Len()
	}

	out := NewTable(columns)
	out.Rows = make([][]string, 0, total)
	for _, t := range tables {
		mapping := make([]int, len(columns))
		for i, c := range columns {
			mapping[i] = t.Index(c)
		}
		for _, row := range t.Rows {
			vals := make([]string, len(columns))
			for i, j := range mapping {
				if j >= 0 {
					vals[i] = row[j]
				}
			}
			out.Rows = append(out.Rows, vals)
		}
	}
	return out
}

func canonicalColumn(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	if alias, ok := headerAliases[name]; ok {
		return alias
	}
	return name
}

// ReadTable parses a semicolon-delimited table with a header row. Values are
// kept as text; decimal commas are interpreted later by the normalizer.
func ReadTable(ctx context.Context, r io.Reader, charset string) (*Table, error) {
	decoded, err := fetcher.CharsetReader(charset, r)
	if err != nil {
		return nil, err
	}

	header, rows, errc, err := fetcher.ReadCSV(ctx, decoded, fetcher.CSVOptions{
		Delimiter: Delimiter,
		TrimSpace: true,
		SkipBlank: true,
	})
	if errors.Is(err, fetcher.ErrNoHeader) {
		return nil, eris.New("archive: table has no header")
	}
	if err != nil {
		return nil, eris.Wrap(err, "archive: read table")
	}

	t := tableFromHeader(header)
	for row := range rows {
		t.Append(row)
	}
	if err := <-errc; err != nil {
		return nil, eris.Wrap(err, "archive: read table")
	}
	return t, nil
}

func tableFromHeader(header []string) *Table {
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = canonicalColumn(h)
	}
	return NewTable(cols)
}

// ReadTableFile opens path and parses it with ReadTable.
func ReadTableFile(ctx context.Context, path, charset string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	t, err := ReadTable(ctx, f, charset)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: %s", filepath.Base(path))
	}
	return t, nil
}

// WriteCSV writes t as a UTF-8 semicolon-delimited table with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	cw := csv.NewWriter(bw)
	cw.Comma = Delimiter
	if err := cw.Write(t.Columns); err != nil {
		return eris.Wrap(err, "archive: write header")
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "archive: write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "archive: flush csv")
	}
	return eris.Wrap(bw.Flush(), "archive: flush")
}

// WriteTableFile writes t to path via a temp file and rename.
func WriteTableFile(path string, t *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "archive: create output directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "archive: create output")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := t.WriteCSV(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "archive: close output")
	}
	return eris.Wrap(os.Rename(tmp.Name(), path), "archive: rename output")
}
