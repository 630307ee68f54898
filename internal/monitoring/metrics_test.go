package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.Rows.WithLabelValues(OutcomeLoaded).Inc()
	assert.InDelta(t, 1.0, testutil.ToFloat64(a.Rows.WithLabelValues(OutcomeLoaded)), 1e-9)
	assert.Zero(t, testutil.ToFloat64(b.Rows.WithLabelValues(OutcomeLoaded)))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.Queries.WithLabelValues("success").Add(3)
	m.CacheSize.Set(42)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `accident_etl_geocoder_queries_total{outcome="success"} 3`)
	assert.Contains(t, string(body), "accident_etl_lookup_cache_entries 42")
	assert.Contains(t, string(body), "go_goroutines")
}
