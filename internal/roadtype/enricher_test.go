package roadtype

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/resilience"
)

var berlin = model.NewGeoKey(13.405026, 52.520008)

func roadJSON(typ, road string) string {
	addr := ""
	if road != "" {
		addr = fmt.Sprintf(`,"address":{"road":%q,"city":"Berlin"}`, road)
	}
	return fmt.Sprintf(`{"osm_type":"way","category":"highway","type":%q%s}`, typ, addr)
}

func newTestEnricher(url string, clock clockwork.Clock, opts ...Option) *Enricher {
	base := []Option{
		WithRateLimit(0),
		WithClock(clock),
		WithUserAgent("accident-etl-test"),
		WithPolicy(Policy{ConnectMaxAttempts: 3}),
	}
	return New(url, append(base, opts...)...)
}

// classifyAdvancing runs Classify while advancing the fake clock by d each
// time a retry pause is pending, advances times in total.
func classifyAdvancing(t *testing.T, e *Enricher, clock *clockwork.FakeClock, advances int, d time.Duration) (model.Classification, error) {
	t.Helper()
	type result struct {
		cls model.Classification
		err error
	}
	done := make(chan result, 1)
	go func() {
		cls, err := e.Classify(context.Background(), berlin)
		done <- result{cls, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < advances; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(d)
	}
	select {
	case r := <-done:
		return r.cls, r.err
	case <-ctx.Done():
		t.Fatal("classify did not return")
		return model.Classification{}, nil
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		road string
		want model.Classification
	}{
		{"A3", model.Classification{External: "motorway", Local: Highway}},
		{"B27", model.Classification{External: "motorway", Local: NationalRoad}},
		{"L1140", model.Classification{External: "motorway", Local: CountryRoad}},
		{"KB 12", model.Classification{External: "motorway", Local: DistrictRoad}},
		{"Hauptstraße", model.Classification{External: "motorway", Local: ResidentialRoad}},
		{"", model.Classification{External: "motorway", Local: Undefined}},
	}
	for _, tt := range tests {
		t.Run(tt.road, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(roadJSON("motorway", tt.road)))
			}))
			defer srv.Close()

			got, err := newTestEnricher(srv.URL, clockwork.NewFakeClock()).Classify(context.Background(), berlin)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "jsonv2", q.Get("format"))
		assert.Equal(t, "52.520008", q.Get("lat"))
		assert.Equal(t, "13.405026", q.Get("lon"))
		assert.Equal(t, "17", q.Get("zoom"))
		assert.Equal(t, "1", q.Get("addressdetails"))
		assert.Equal(t, "accident-etl-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(roadJSON("residential", "Unter den Linden")))
	}))
	defer srv.Close()

	got, err := newTestEnricher(srv.URL+"/", clockwork.NewFakeClock()).Classify(context.Background(), berlin)
	require.NoError(t, err)
	assert.Equal(t, model.Classification{External: "residential", Local: ResidentialRoad}, got)
}

func TestClassify_NotARoad(t *testing.T) {
	bodies := map[string]string{
		"open water": `{"error":"Unable to geocode"}`,
		"node":       `{"osm_type":"node","category":"place","type":"village"}`,
		"building":   `{"osm_type":"way","category":"building","type":"yes"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestEnricher(srv.URL, clockwork.NewFakeClock()).Classify(context.Background(), berlin)
			require.ErrorIs(t, err, ErrNotARoad)
			assert.True(t, IsDefinitive(err))
			assert.Equal(t, int32(1), calls.Load(), "no retry for a definitive answer")
		})
	}
}

func TestClassify_StatusRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(roadJSON("primary", "B27")))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	got, err := classifyAdvancing(t, newTestEnricher(srv.URL, clock), clock, 1, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, NationalRoad, got.Local)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassify_SecondStatusFailureIsNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	_, err := classifyAdvancing(t, newTestEnricher(srv.URL, clock), clock, 1, 60*time.Second)
	require.ErrorIs(t, err, ErrRoadTypeNotFound)
	assert.True(t, IsDefinitive(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassify_StatusRetryWaitsConfiguredDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	e := newTestEnricher(srv.URL, clock)

	done := make(chan error, 1)
	go func() {
		_, err := e.Classify(context.Background(), berlin)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(59 * time.Second)
	select {
	case <-done:
		t.Fatal("retried before the pause elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(time.Second)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRoadTypeNotFound)
	case <-ctx.Done():
		t.Fatal("classify did not return")
	}
}

func TestClassify_ConnectionRetryCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	clock := clockwork.NewFakeClock()
	_, err := classifyAdvancing(t, newTestEnricher(url, clock), clock, 2, 100*time.Second)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.False(t, IsDefinitive(err))
}

func TestClassify_ConnectionRecovers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(roadJSON("secondary", "L1140")))
	}))
	defer srv.Close()

	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return http.DefaultTransport.RoundTrip(r)
	})}

	clock := clockwork.NewFakeClock()
	got, err := classifyAdvancing(t, newTestEnricher(srv.URL, clock, WithHTTPClient(client)), clock, 1, 100*time.Second)
	require.NoError(t, err)
	assert.Equal(t, CountryRoad, got.Local)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassify_CancelDuringPause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	e := newTestEnricher(srv.URL, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Classify(ctx, berlin)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsDefinitive(err))
	case <-waitCtx.Done():
		t.Fatal("classify did not return after cancel")
	}
}

func TestClassify_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newTestEnricher(srv.URL, clockwork.NewFakeClock()).Classify(context.Background(), berlin)
	assert.ErrorIs(t, err, ErrRoadTypeNotFound)
}

func TestClassify_CircuitOpensAfterRepeatedNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	e := newTestEnricher(srv.URL, clock, WithCircuitBreaker(NewCircuitBreaker(2, 600, clock)))

	for i := 0; i < 2; i++ {
		_, err := classifyAdvancing(t, e, clock, 1, 60*time.Second)
		require.ErrorIs(t, err, ErrRoadTypeNotFound)
	}
	assert.Equal(t, int32(4), calls.Load())

	_, err := e.Classify(context.Background(), berlin)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.False(t, IsDefinitive(err))
	assert.Equal(t, int32(4), calls.Load(), "open circuit issues no request")
}

func TestClassify_NotARoadDoesNotTripCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	e := newTestEnricher(srv.URL, clock, WithCircuitBreaker(NewCircuitBreaker(1, 600, clock)))
	for i := 0; i < 3; i++ {
		_, err := e.Classify(context.Background(), berlin)
		require.ErrorIs(t, err, ErrNotARoad)
	}
}

func TestNewCircuitBreaker_Disabled(t *testing.T) {
	assert.Nil(t, NewCircuitBreaker(0, 60, nil))
}

func TestWithRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(roadJSON("trunk", "E45")))
	}))
	defer srv.Close()

	rs, err := ParseRules([]byte("rules:\n  - pattern: '^E\\d+'\n    label: European Road\n"))
	require.NoError(t, err)

	got, err := newTestEnricher(srv.URL, clockwork.NewFakeClock(), WithRules(rs)).Classify(context.Background(), berlin)
	require.NoError(t, err)
	assert.Equal(t, "European Road", got.Local)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
