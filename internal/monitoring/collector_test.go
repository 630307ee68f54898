package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/accident-etl/internal/model"
)

func TestCollect_EmptyStore(t *testing.T) {
	c := NewCollector(newTestStore(t), nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Nil(t, snap.LastRun)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollect_CountsRuns(t *testing.T) {
	st := newTestStore(t)
	finishedRun(t, st, model.RunStatusComplete, model.RunStats{RowsRead: 100, Failures: 4})
	finishedRun(t, st, model.RunStatusComplete, model.RunStats{RowsRead: 50})
	finishedRun(t, st, model.RunStatusFailed, model.RunStats{RowsRead: 10, Failures: 1})
	finishedRun(t, st, model.RunStatusRunning, model.RunStats{})

	snap, err := NewCollector(st, nil).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 1e-9)
	assert.Equal(t, int64(160), snap.RowsRead)
	assert.Equal(t, int64(5), snap.Skipped)
	assert.Equal(t, int64(4), snap.Counts.Runs)
	require.NotNil(t, snap.LastRun)
}

func TestCollect_LookbackWindow(t *testing.T) {
	st := newTestStore(t)
	finishedRun(t, st, model.RunStatusFailed, model.RunStats{})

	clock := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	snap, err := NewCollector(st, clock).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.RunsTotal, "run started outside the window")
	assert.Zero(t, snap.RunsFailed)
	require.NotNil(t, snap.LastRun, "last run is reported regardless of window")
	assert.Equal(t, model.RunStatusFailed, snap.LastRun.Status)
}

func TestCollect_StoreClosed(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Close())

	_, err := NewCollector(st, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: counts")
}
