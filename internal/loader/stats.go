package loader

import (
	"sync/atomic"

	"github.com/sells-group/accident-etl/internal/model"
)

// tracker accumulates run counters. Pre-classification workers and the row
// writer update it concurrently; the status server reads snapshots.
type tracker struct {
	rowsRead            atomic.Int64
	accidentsCreated    atomic.Int64
	coordinatesCreated  atomic.Int64
	participantsCreated atomic.Int64
	queries             atomic.Int64
	cacheHits           atomic.Int64
	failures            atomic.Int64
	updated             atomic.Int64
	notFound            atomic.Int64
}

func (t *tracker) snapshot() model.RunStats {
	return model.RunStats{
		RowsRead:            t.rowsRead.Load(),
		AccidentsCreated:    t.accidentsCreated.Load(),
		CoordinatesCreated:  t.coordinatesCreated.Load(),
		ParticipantsCreated: t.participantsCreated.Load(),
		Queries:             t.queries.Load(),
		CacheHits:           t.cacheHits.Load(),
		Failures:            t.failures.Load(),
		Updated:             t.updated.Load(),
		NotFound:            t.notFound.Load(),
	}
}
