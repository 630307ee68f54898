package loader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/roadtype"
	"github.com/sells-group/accident-etl/internal/store"
)

// fakeClassifier answers from a fixed table and counts calls per key.
// Unknown keys classify as a primary national road.
type fakeClassifier struct {
	mu      sync.Mutex
	results map[model.GeoKey]error
	queued  map[model.GeoKey][]error
	calls   map[model.GeoKey]int
	onCall  func(ctx context.Context, key model.GeoKey)
}

func newFakeClassifier() *fakeClassifier {
	return &fakeClassifier{
		results: make(map[model.GeoKey]error),
		queued:  make(map[model.GeoKey][]error),
		calls:   make(map[model.GeoKey]int),
	}
}

var defaultClass = model.Classification{External: "primary", Local: "National Road"}

func (f *fakeClassifier) fail(key model.GeoKey, err error) {
	f.mu.Lock()
	f.results[key] = err
	f.mu.Unlock()
}

// then makes the next calls for key return errs in order before falling
// back to the fixed table.
func (f *fakeClassifier) then(key model.GeoKey, errs ...error) {
	f.mu.Lock()
	f.queued[key] = append(f.queued[key], errs...)
	f.mu.Unlock()
}

func (f *fakeClassifier) Classify(ctx context.Context, key model.GeoKey) (model.Classification, error) {
	f.mu.Lock()
	f.calls[key]++
	err := f.results[key]
	if q := f.queued[key]; len(q) > 0 {
		err, f.queued[key] = q[0], q[1:]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, key)
	}
	if err != nil {
		return model.Classification{}, err
	}
	return defaultClass, nil
}

func (f *fakeClassifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeClassifier) callsFor(key model.GeoKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

var _ roadtype.Classifier = (*fakeClassifier)(nil)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "loader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// record builds a valid record at the given geodetic position.
func record(lon, lat float64) model.Record {
	return model.Record{
		RoadState:    model.RoadDry,
		Category:     3,
		Lighting:     model.LightDaylight,
		Participants: model.ParticipantSet{Car: true},
		Coordinate:   model.NewCoordinate("32N", 389520.8, 5820361.2, lon, lat),
		Year:         2021,
		Month:        4,
		Hour:         8,
		Weekday:      2,
	}
}

func counts(t *testing.T, st store.Store) store.Counts {
	t.Helper()
	c, err := st.Counts(context.Background())
	require.NoError(t, err)
	return c
}
