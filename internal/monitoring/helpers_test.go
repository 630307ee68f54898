package monitoring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func finishedRun(t *testing.T, st store.Store, status model.RunStatus, stats model.RunStats) *model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateRun(ctx, model.RunKindLoad)
	require.NoError(t, err)
	if status != model.RunStatusRunning {
		require.NoError(t, st.FinishRun(ctx, run.ID, status, stats, nil))
	}
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return got
}
