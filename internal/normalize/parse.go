package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/archive"
	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/resilience"
)

// RowError describes a row Parse could not turn into a record.
type RowError struct {
	Row    int    // zero-based row index in the parsed table
	Column string // offending column, empty for record-level checks
	Err    error
}

func (e RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d, column %s: %v", e.Row, e.Column, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// Parse converts the rows of a normalized table into records. Rows with
// unparsable fields or out-of-range codes are reported and left out.
func Parse(t *archive.Table) ([]model.Record, []RowError) {
	idx := make(map[string]int, len(RequiredColumns))
	var missing []RowError
	for _, c := range RequiredColumns {
		i := t.Index(c)
		if i < 0 {
			missing = append(missing, RowError{Row: -1, Column: c, Err: eris.New("column not present")})
			continue
		}
		idx[c] = i
	}
	if len(missing) > 0 {
		return nil, missing
	}

	records := make([]model.Record, 0, t.Len())
	var errs []RowError
	for n, row := range t.Rows {
		p := rowParser{row: row, idx: idx}
		rec := model.Record{
			RoadState: p.integer(ColRoadState),
			Category:  p.integer(ColCategory),
			Lighting:  p.integer(ColLighting),
			Participants: model.ParticipantSet{
				Pedestrian: p.flag(ColPedestrian),
				Truck:      p.flag(ColTruck),
				Motorcycle: p.flag(ColMotorcycle),
				Bicycle:    p.flag(ColBicycle),
				Car:        p.flag(ColCar),
				Other:      p.flag(ColOther),
			},
			Coordinate: model.NewCoordinate(UTMZone,
				p.decimal(ColUTMX), p.decimal(ColUTMY),
				p.decimal(ColLon), p.decimal(ColLat),
			),
			Year:    p.integer(ColYear),
			Month:   p.integer(ColMonth),
			Hour:    p.integer(ColHour),
			Weekday: p.integer(ColWeekday),
		}
		if p.err != nil {
			errs = append(errs, RowError{Row: n, Column: p.col, Err: p.err})
			continue
		}
		if err := rec.Validate(); err != nil {
			errs = append(errs, RowError{Row: n, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// MissingColumns reports whether errs describe a table lacking required
// columns rather than individual bad rows.
func MissingColumns(errs []RowError) bool {
	return len(errs) > 0 && errs[0].Row < 0
}

// Rejected converts row errors into skipped-row ledger entries. The geodetic
// coordinate of a row is kept when both of its columns parse.
func Rejected(t *archive.Table, errs []RowError) []model.Skip {
	lonIdx, latIdx := t.Index(ColLon), t.Index(ColLat)
	skips := make([]model.Skip, 0, len(errs))
	for _, e := range errs {
		sk := model.Skip{
			Reason:    model.SkipInvalidRow,
			ErrorType: resilience.ErrorTypePermanent,
			Error:     e.Error(),
		}
		if e.Row >= 0 && e.Row < t.Len() && lonIdx >= 0 && latIdx >= 0 {
			row := t.Rows[e.Row]
			lon, lonErr := ParseDecimal(row[lonIdx])
			lat, latErr := ParseDecimal(row[latIdx])
			if lonErr == nil && latErr == nil {
				sk.Geo = model.NewGeoKey(lon, lat)
			}
		}
		skips = append(skips, sk)
	}
	return skips
}

// rowParser reads typed fields from one row and keeps the first failure.
type rowParser struct {
	row []string
	idx map[string]int
	err error
	col string
}

func (p *rowParser) value(col string) string {
	return strings.TrimSpace(p.row[p.idx[col]])
}

func (p *rowParser) fail(col string, err error) {
	if p.err == nil {
		p.err, p.col = err, col
	}
}

func (p *rowParser) integer(col string) int {
	v, err := strconv.Atoi(p.value(col))
	if err != nil {
		p.fail(col, eris.Wrapf(err, "parse integer %q", p.value(col)))
		return 0
	}
	return v
}

func (p *rowParser) flag(col string) bool {
	v := p.integer(col)
	if v != 0 && v != 1 {
		p.fail(col, eris.Errorf("flag %d is not 0 or 1", v))
	}
	return v == 1
}

// decimal parses a number written with a decimal comma.
func (p *rowParser) decimal(col string) float64 {
	v, err := ParseDecimal(p.value(col))
	if err != nil {
		p.fail(col, err)
		return 0
	}
	return v
}

// ParseDecimal parses a source-locale number such as "13,405026".
func ParseDecimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("empty decimal")
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse decimal %q", s)
	}
	return v, nil
}
