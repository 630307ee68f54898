// Package model defines the accident, coordinate and participant entities shared by the pipeline stages.
package model

import (
	"github.com/rotisserie/eris"
)

// Road surface states as stored in accident.road_state.
const (
	RoadDry    = 0
	RoadWet    = 1
	RoadFrozen = 2
)

// Severity codes as stored in accident.severity. The source publishes a
// 1-based category (1 = deadly), stored shifted down by one.
const (
	SeverityDeadly = 0
	SeverityMajor  = 1
	SeverityMinor  = 2
)

// Lighting conditions as stored in accident.lighting.
const (
	LightDaylight = 0
	LightDusk     = 1
	LightDark     = 2
)

// ValidCode reports whether c is one of the three stored categorical codes.
func ValidCode(c int) bool {
	return c >= 0 && c <= 2
}

// ParticipantSet is the combination of party types involved in an accident.
// Identical flag combinations share a single stored row.
type ParticipantSet struct {
	ID         int64 `json:"id,omitempty"`
	Pedestrian bool  `json:"pedestrian"`
	Truck      bool  `json:"truck"`
	Motorcycle bool  `json:"motorcycle"`
	Bicycle    bool  `json:"bicycle"`
	Car        bool  `json:"car"`
	Other      bool  `json:"other"`
}

// Flags returns the six flags in storage column order.
func (p ParticipantSet) Flags() []bool {
	return []bool{p.Pedestrian, p.Truck, p.Motorcycle, p.Bicycle, p.Car, p.Other}
}

// Classification is the pair of road types assigned to a coordinate: the
// reverse geocoder's own taxonomy and the locally derived street class.
type Classification struct {
	External string `json:"external"`
	Local    string `json:"local"`
}

// Accident is one persisted accident event.
type Accident struct {
	ID             int64          `json:"id,omitempty"`
	RoadState      int            `json:"road_state"`
	Severity       int            `json:"severity"`
	Lighting       int            `json:"lighting"`
	RoadType       Classification `json:"road_type"`
	CoordinateID   int64          `json:"coordinate_id"`
	ParticipantsID int64          `json:"participants_id"`
	Year           int            `json:"year"`
	Month          int            `json:"month"`
	Hour           int            `json:"hour"`
	Weekday        int            `json:"weekday"`
}

// Record is one normalized source row, typed but not yet persisted.
type Record struct {
	RoadState    int
	Category     int // source UKATEGORIE, 1-based
	Lighting     int
	Participants ParticipantSet
	Coordinate   Coordinate
	Year         int
	Month        int
	Hour         int
	Weekday      int
}

// Severity maps the source category onto the stored severity code.
func (r Record) Severity() int {
	return r.Category - 1
}

// Validate checks the categorical invariants of a record.
func (r Record) Validate() error {
	if !ValidCode(r.RoadState) {
		return eris.Errorf("model: road state %d out of range", r.RoadState)
	}
	if !ValidCode(r.Severity()) {
		return eris.Errorf("model: category %d out of range", r.Category)
	}
	if !ValidCode(r.Lighting) {
		return eris.Errorf("model: lighting %d out of range", r.Lighting)
	}
	if r.Month < 1 || r.Month > 12 {
		return eris.Errorf("model: month %d out of range", r.Month)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return eris.Errorf("model: hour %d out of range", r.Hour)
	}
	if r.Weekday < 1 || r.Weekday > 7 {
		return eris.Errorf("model: weekday %d out of range", r.Weekday)
	}
	return nil
}

// Accident builds the accident row for r once its references are resolved.
func (r Record) Accident(cls Classification, coordinateID, participantsID int64) Accident {
	return Accident{
		RoadState:      r.RoadState,
		Severity:       r.Severity(),
		Lighting:       r.Lighting,
		RoadType:       cls,
		CoordinateID:   coordinateID,
		ParticipantsID: participantsID,
		Year:           r.Year,
		Month:          r.Month,
		Hour:           r.Hour,
		Weekday:        r.Weekday,
	}
}
