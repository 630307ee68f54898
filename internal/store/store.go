// Package store persists accidents, their coordinates and participant sets,
// plus the operational run log and skipped-row ledger.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/model"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Kind   model.RunKind   `json:"kind,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// SaveResult reports which rows a SaveAccident call created.
type SaveResult struct {
	AccidentID          int64 `json:"accident_id"`
	AccidentCreated     bool  `json:"accident_created"`
	CoordinateCreated   bool  `json:"coordinate_created"`
	ParticipantsCreated bool  `json:"participants_created"`
}

// Counts holds row counts per table.
type Counts struct {
	Accidents    int64 `json:"accidents"`
	Coordinates  int64 `json:"coordinates"`
	Participants int64 `json:"participants"`
	Runs         int64 `json:"runs"`
	Skipped      int64 `json:"skipped"`
}

// ClassificationFunc receives one stored (coordinate, classification) pair.
type ClassificationFunc func(key model.GeoKey, cls model.Classification) error

// Store defines the persistence interface for the accident pipeline.
type Store interface {
	// Accidents

	// ScanClassifications streams the coordinate and road types of every
	// stored accident.
	ScanClassifications(ctx context.Context, fn ClassificationFunc) error
	// SaveAccident resolves or creates the participant set and coordinate of
	// rec and inserts its accident unless an identical one exists, all in
	// one transaction.
	SaveAccident(ctx context.Context, rec model.Record, cls model.Classification) (SaveResult, error)
	// ReassignParticipants points the stored accident matching rec at the
	// participant set carrying rec's flags. It reports whether the accident
	// was found; coordinates are never created.
	ReassignParticipants(ctx context.Context, rec model.Record) (bool, error)
	Counts(ctx context.Context) (Counts, error)

	// Runs
	CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error)
	UpdateRunStats(ctx context.Context, runID string, stats model.RunStats) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, runErr error) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Skipped rows
	RecordSkip(ctx context.Context, runID string, skip model.Skip) error
	ListSkips(ctx context.Context, runID string, limit int) ([]model.Skip, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
