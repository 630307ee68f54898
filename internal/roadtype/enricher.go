// Package roadtype classifies coordinates by the road they lie on, using a
// Nominatim-compatible reverse geocoder and local street-name rules.
package roadtype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/resilience"
)

// Classification failures. ErrNotARoad and ErrRoadTypeNotFound concern one
// coordinate only; ErrServiceUnavailable means the geocoder cannot be reached.
var (
	ErrNotARoad           = eris.New("roadtype: coordinate is not on a road")
	ErrRoadTypeNotFound   = eris.New("roadtype: road type not found")
	ErrServiceUnavailable = eris.New("roadtype: geocoding service unavailable")
)

// IsDefinitive reports whether err only affects the coordinate that was
// classified, so the caller may skip the row and continue.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrNotARoad) || errors.Is(err, ErrRoadTypeNotFound)
}

// Classifier maps a geodetic coordinate to its road classification.
type Classifier interface {
	Classify(ctx context.Context, key model.GeoKey) (model.Classification, error)
}

// Policy holds the retry pauses of the enricher.
type Policy struct {
	// ConnectRetryDelay is the fixed pause after a connection failure.
	ConnectRetryDelay time.Duration
	// ConnectMaxAttempts caps attempts per request while the geocoder is unreachable.
	ConnectMaxAttempts int
	// StatusRetryDelay is the pause before the single retry of a non-2xx answer.
	StatusRetryDelay time.Duration
}

// DefaultPolicy returns the production pauses: 100s between connection
// attempts for up to an hour, 60s before the status retry.
func DefaultPolicy() Policy {
	return Policy{
		ConnectRetryDelay:  100 * time.Second,
		ConnectMaxAttempts: 36,
		StatusRetryDelay:   60 * time.Second,
	}
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithHTTPClient sets the HTTP client used for reverse lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Enricher) { e.httpClient = hc }
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(e *Enricher) { e.userAgent = ua }
}

// WithRateLimit sets the maximum requests per second. Non-positive disables limiting.
func WithRateLimit(rps float64) Option {
	return func(e *Enricher) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithPolicy overrides the retry pauses. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(e *Enricher) {
		if p.ConnectRetryDelay > 0 {
			e.policy.ConnectRetryDelay = p.ConnectRetryDelay
		}
		if p.ConnectMaxAttempts > 0 {
			e.policy.ConnectMaxAttempts = p.ConnectMaxAttempts
		}
		if p.StatusRetryDelay > 0 {
			e.policy.StatusRetryDelay = p.StatusRetryDelay
		}
	}
}

// WithClock sets the clock driving retry pauses.
func WithClock(c clockwork.Clock) Option {
	return func(e *Enricher) { e.clock = c }
}

// WithRules replaces the street-name rules.
func WithRules(rs *RuleSet) Option {
	return func(e *Enricher) {
		if rs != nil {
			e.rules = rs
		}
	}
}

// WithCircuitBreaker routes every lookup through cb. Build it with
// NewCircuitBreaker so only road-type-not-found results count as failures.
func WithCircuitBreaker(cb *resilience.Breaker) Option {
	return func(e *Enricher) { e.breaker = cb }
}

// Enricher queries the reverse geocoder for each coordinate. It holds no
// per-coordinate state; callers cache results.
type Enricher struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	limiter    *rate.Limiter
	policy     Policy
	clock      clockwork.Clock
	rules      *RuleSet
	breaker    *resilience.Breaker
	log        *zap.Logger
}

// New creates an Enricher querying baseURL (e.g. https://nominatim.openstreetmap.org).
func New(baseURL string, opts ...Option) *Enricher {
	e := &Enricher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "accident-etl/1.0",
		limiter:    rate.NewLimiter(1, 1),
		policy:     DefaultPolicy(),
		clock:      clockwork.NewRealClock(),
		rules:      DefaultRules(),
		log:        zap.L().With(zap.String("component", "roadtype")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// reverseResponse is the subset of a Nominatim jsonv2 reverse answer we read.
type reverseResponse struct {
	OSMType  string `json:"osm_type"`
	Category string `json:"category"`
	Type     string `json:"type"`
	Address  struct {
		Road string `json:"road"`
	} `json:"address"`
	Error string `json:"error"`
}

// statusError is a non-2xx answer from the geocoder.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("roadtype: geocoder returned status %d", e.code)
}

// Classify returns the external and local road type for key.
//
// Connection failures are retried with a fixed pause up to the policy's
// attempt cap, after which ErrServiceUnavailable is returned. A non-2xx
// answer is retried once; a second one yields ErrRoadTypeNotFound. Answers
// that do not describe a highway way yield ErrNotARoad without retry.
func (e *Enricher) Classify(ctx context.Context, key model.GeoKey) (model.Classification, error) {
	cls, err := resilience.Call(ctx, e.breaker, func(ctx context.Context) (model.Classification, error) {
		return e.classify(ctx, key)
	})
	if e.breaker != nil && (errors.Is(err, ErrRoadTypeNotFound) || errors.Is(err, resilience.ErrCircuitOpen)) {
		streak, state := e.breaker.Snapshot()
		e.log.Warn("road type lookup failed",
			zap.String("geo", key.String()),
			zap.Int("consecutive_failures", streak),
			zap.String("circuit", state.String()),
		)
	}
	return cls, err
}

func (e *Enricher) classify(ctx context.Context, key model.GeoKey) (model.Classification, error) {
	resp, err := e.reverse(ctx, key)
	if err != nil {
		return model.Classification{}, err
	}

	if resp.OSMType != "way" || resp.Category != "highway" {
		e.log.Debug("not a road",
			zap.String("geo", key.String()),
			zap.String("osm_type", resp.OSMType),
			zap.String("category", resp.Category),
			zap.String("error", resp.Error),
		)
		return model.Classification{}, eris.Wrapf(ErrNotARoad, "%s", key)
	}

	cls := model.Classification{
		External: resp.Type,
		Local:    e.rules.Classify(resp.Address.Road),
	}
	e.log.Debug("classified",
		zap.String("geo", key.String()),
		zap.String("road", resp.Address.Road),
		zap.String("external", cls.External),
		zap.String("local", cls.Local),
	)
	return cls, nil
}

// reverse performs the lookup with the status retry wrapped around the
// connection retry.
func (e *Enricher) reverse(ctx context.Context, key model.GeoKey) (*reverseResponse, error) {
	status := resilience.Policy{
		Backoff:   resilience.Fixed(2, e.policy.StatusRetryDelay),
		Retryable: isStatusError,
		Clock:     e.clock,
		Name:      "geocoder reverse status",
	}
	resp, err := resilience.Run(ctx, status, func(ctx context.Context) (*reverseResponse, error) {
		return e.reverseConnected(ctx, key)
	})
	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case isStatusError(err):
		return nil, eris.Wrapf(ErrRoadTypeNotFound, "%s: %v", key, err)
	}
	return nil, err
}

// reverseConnected performs one lookup, retrying connection failures only.
func (e *Enricher) reverseConnected(ctx context.Context, key model.GeoKey) (*reverseResponse, error) {
	conn := resilience.Policy{
		Backoff: resilience.Fixed(e.policy.ConnectMaxAttempts, e.policy.ConnectRetryDelay),
		Clock:   e.clock,
		Name:    "geocoder reverse connect",
	}
	resp, err := resilience.Run(ctx, conn, func(ctx context.Context) (*reverseResponse, error) {
		return e.do(ctx, key)
	})
	if err != nil && ctx.Err() == nil && resilience.IsTransient(err) {
		return nil, eris.Wrapf(ErrServiceUnavailable, "after %d attempts: %v", e.policy.ConnectMaxAttempts, err)
	}
	return resp, err
}

func (e *Enricher) do(ctx context.Context, key model.GeoKey) (*reverseResponse, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "roadtype: rate limit")
	}

	params := url.Values{
		"format":         {"jsonv2"},
		"lat":            {key.Lat},
		"lon":            {key.Lon},
		"zoom":           {"17"},
		"addressdetails": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "roadtype: build request")
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.Transient(eris.Wrap(err, "roadtype: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}

	var out reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrapf(ErrRoadTypeNotFound, "%s: decode response: %v", key, err)
	}
	return &out, nil
}

// NewCircuitBreaker returns a breaker that opens after threshold consecutive
// ErrRoadTypeNotFound results, or nil when threshold is not positive.
func NewCircuitBreaker(threshold, resetSecs int, clock clockwork.Clock) *resilience.Breaker {
	return resilience.NewBreaker("geocoder", threshold, time.Duration(resetSecs)*time.Second, func(err error) bool {
		return errors.Is(err, ErrRoadTypeNotFound)
	}, clock)
}

func isStatusError(err error) bool {
	var se *statusError
	return errors.As(err, &se)
}
