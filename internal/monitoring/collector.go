package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/store"
)

// MetricsSnapshot holds a point-in-time view of the store and run log.
type MetricsSnapshot struct {
	Counts store.Counts `json:"counts"`

	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Row totals summed over the window's runs.
	RowsRead int64 `json:"rows_read"`
	Skipped  int64 `json:"skipped"`

	LastRun *model.Run `json:"last_run,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	clock clockwork.Clock
}

// NewCollector creates a new metrics collector. A nil clock uses the real one.
func NewCollector(st store.Store, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{store: st, clock: clock}
}

// Collect gathers a snapshot of row counts and of the runs started within the
// lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.clock.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.store.Counts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: counts")
	}
	snap.Counts = counts

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	if len(runs) > 0 {
		last := runs[0]
		snap.LastRun = &last
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.RowsRead += r.Stats.RowsRead
		snap.Skipped += r.Stats.Failures
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
