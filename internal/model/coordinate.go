package model

import (
	"math"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

const (
	geoDecimals = 6
	utmDecimals = 1

	// SRIDWGS84 is the spatial reference of the geodetic representation.
	SRIDWGS84 = 4326
)

// GeoKey is the canonical geodetic pair of a coordinate, formatted to six
// decimals. Two records describing the same physical point always produce
// byte-identical keys, which makes GeoKey usable as the dedup key.
type GeoKey struct {
	Lon string `json:"lon"`
	Lat string `json:"lat"`
}

// NewGeoKey canonicalises a longitude/latitude pair.
func NewGeoKey(lon, lat float64) GeoKey {
	return GeoKey{Lon: formatFixed(lon, geoDecimals), Lat: formatFixed(lat, geoDecimals)}
}

// ParseGeoKey canonicalises a textual pair, e.g. values read back from storage.
func ParseGeoKey(lon, lat string) (GeoKey, error) {
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return GeoKey{}, eris.Wrapf(err, "model: parse longitude %q", lon)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return GeoKey{}, eris.Wrapf(err, "model: parse latitude %q", lat)
	}
	return NewGeoKey(lo, la), nil
}

// Floats returns the numeric longitude and latitude.
func (k GeoKey) Floats() (lon, lat float64, err error) {
	lon, err = strconv.ParseFloat(k.Lon, 64)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "model: parse longitude %q", k.Lon)
	}
	lat, err = strconv.ParseFloat(k.Lat, 64)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "model: parse latitude %q", k.Lat)
	}
	return lon, lat, nil
}

func (k GeoKey) String() string {
	return k.Lon + "," + k.Lat
}

// Coordinate is a position in both the projected (UTM) and the geodetic
// (WGS84) system. Coordinates are append-only once stored.
type Coordinate struct {
	ID      int64  `json:"id,omitempty"`
	UTMZone string `json:"utm_zone"`
	UTMX    string `json:"utm_x"`
	UTMY    string `json:"utm_y"`
	Geo     GeoKey `json:"geo"`
}

// NewCoordinate builds a coordinate with canonical precision on both systems.
func NewCoordinate(zone string, utmX, utmY, lon, lat float64) Coordinate {
	return Coordinate{
		UTMZone: zone,
		UTMX:    formatFixed(utmX, utmDecimals),
		UTMY:    formatFixed(utmY, utmDecimals),
		Geo:     NewGeoKey(lon, lat),
	}
}

// Point returns the geodetic position as a go-geom point with SRID 4326.
func (c Coordinate) Point() (*geom.Point, error) {
	lon, lat, err := c.Geo.Floats()
	if err != nil {
		return nil, err
	}
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRIDWGS84), nil
}

// EWKB encodes the geodetic position for the coordinate.geom column.
func (c Coordinate) EWKB() ([]byte, error) {
	pt, err := c.Point()
	if err != nil {
		return nil, err
	}
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode coordinate EWKB")
	}
	return data, nil
}

func formatFixed(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	// -0.000000 and 0.000000 must share a key.
	if math.Abs(v) < math.Pow10(-decimals)/2 {
		s = strconv.FormatFloat(0, 'f', decimals, 64)
	}
	return s
}
