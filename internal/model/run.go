package model

import "time"

// RunStatus represents the current state of a load run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunKind names the operation a run performed.
type RunKind string

const (
	RunKindLoad     RunKind = "load"
	RunKindBackfill RunKind = "backfill_cars"
)

// RunStats holds the counters a run reports on completion.
type RunStats struct {
	RowsRead            int64 `json:"rows_read"`
	AccidentsCreated    int64 `json:"accidents_created"`
	CoordinatesCreated  int64 `json:"coordinates_created"`
	ParticipantsCreated int64 `json:"participants_created"`
	Queries             int64 `json:"queries"`
	CacheHits           int64 `json:"cache_hits"`
	Failures            int64 `json:"failures"`
	Updated             int64 `json:"updated,omitempty"`
	NotFound            int64 `json:"not_found,omitempty"`
}

// Run is one entry of the load_runs ledger.
type Run struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
	Error       string     `json:"error,omitempty"`
}

// Skip reasons recorded in the skipped_rows ledger.
const (
	SkipNotARoad         = "not_a_road"
	SkipRoadTypeNotFound = "road_type_not_found"
	SkipInvalidRow       = "invalid_row"
)

// Skip describes a row the loader did not persist.
type Skip struct {
	Geo       GeoKey `json:"geo"`
	Reason    string `json:"reason"`
	ErrorType string `json:"error_type"`
	Error     string `json:"error"`
}
