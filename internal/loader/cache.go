package loader

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/store"
)

// LookupCache maps geodetic coordinates to the road classification already
// stored for them. It is unbounded: one entry per distinct stored coordinate.
type LookupCache struct {
	mu      sync.RWMutex
	entries map[model.GeoKey]model.Classification
}

// NewLookupCache returns an empty cache.
func NewLookupCache() *LookupCache {
	return &LookupCache{entries: make(map[model.GeoKey]model.Classification)}
}

// BuildLookupCache scans the classifications of every stored accident.
func BuildLookupCache(ctx context.Context, st store.Store) (*LookupCache, error) {
	c := NewLookupCache()
	err := st.ScanClassifications(ctx, func(key model.GeoKey, cls model.Classification) error {
		c.entries[key] = cls
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "loader: build lookup cache")
	}
	return c, nil
}

// Get returns the classification cached for key.
func (c *LookupCache) Get(key model.GeoKey) (model.Classification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cls, ok := c.entries[key]
	return cls, ok
}

// Put records the classification of key.
func (c *LookupCache) Put(key model.GeoKey, cls model.Classification) {
	c.mu.Lock()
	c.entries[key] = cls
	c.mu.Unlock()
}

// Len returns the number of cached coordinates.
func (c *LookupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// failureMemo remembers coordinates whose classification failed
// definitively during the current run.
type failureMemo struct {
	mu   sync.Mutex
	errs map[model.GeoKey]error
}

func newFailureMemo() *failureMemo {
	return &failureMemo{errs: make(map[model.GeoKey]error)}
}

func (m *failureMemo) get(key model.GeoKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[key]
}

func (m *failureMemo) put(key model.GeoKey, err error) {
	m.mu.Lock()
	m.errs[key] = err
	m.mu.Unlock()
}
