// Package normalize turns the combined raw accident table into typed records.
package normalize

import (
	"github.com/sells-group/accident-etl/internal/archive"
)

// Source columns read by the loader.
const (
	ColRoadState  = "STRZUSTAND"
	ColCategory   = "UKATEGORIE"
	ColLighting   = "ULICHTVERH"
	ColCar        = "IstPKW"
	ColPedestrian = "IstFuss"
	ColTruck      = "IstGkfz"
	ColMotorcycle = "IstKrad"
	ColBicycle    = "IstRad"
	ColOther      = "IstSonstig"
	ColUTMX       = "LINREFX"
	ColUTMY       = "LINREFY"
	ColLon        = "XGCSWGS84"
	ColLat        = "YGCSWGS84"
	ColYear       = "UJAHR"
	ColMonth      = "UMONAT"
	ColHour       = "USTUNDE"
	ColWeekday    = "UWOCHENTAG"
)

// UTMZone is the projected zone every source coordinate is published in.
const UTMZone = "32N"

// RequiredColumns are the columns Parse reads. Project the combined table to
// them before Normalize so unrelated columns cannot drop rows.
var RequiredColumns = []string{
	ColRoadState, ColCategory, ColLighting,
	ColCar, ColPedestrian, ColTruck, ColMotorcycle, ColBicycle, ColOther,
	ColUTMX, ColUTMY, ColLon, ColLat,
	ColYear, ColMonth, ColHour, ColWeekday,
}

// Normalize returns a new table without the rows that hold a missing value in
// any column. The input is never modified, and the result never shares row
// storage with it.
func Normalize(t *archive.Table) *archive.Table {
	out := archive.NewTable(t.Columns)
	out.Rows = make([][]string, 0, t.Len())
	for _, row := range t.Rows {
		if !complete(row) {
			continue
		}
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}
	return out
}

func complete(row []string) bool {
	for _, v := range row {
		if v == archive.Missing {
			return false
		}
	}
	return true
}
