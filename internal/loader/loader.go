// Package loader classifies normalized accident records and persists them
// incrementally, reusing road types already stored for a coordinate.
package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/monitoring"
	"github.com/sells-group/accident-etl/internal/resilience"
	"github.com/sells-group/accident-etl/internal/roadtype"
	"github.com/sells-group/accident-etl/internal/store"
)

// DefaultProgressEvery is the row interval between progress reports.
const DefaultProgressEvery = 500

// DefaultCircuitWaits is how many cooldowns in a row the loader sits out
// before an open geocoder circuit fails the run.
const DefaultCircuitWaits = 3

// Options configures a Loader.
type Options struct {
	// Workers > 1 classifies the batch's uncached coordinates concurrently
	// before any row is written. Default: 1 (strictly sequential).
	Workers int
	// ProgressEvery logs and persists run counters after this many rows.
	ProgressEvery int
	// Metrics receives row and lookup counters; nil disables them.
	Metrics *monitoring.Metrics
	// Clock times classification calls and circuit cooldown waits.
	// Default: the real clock.
	Clock clockwork.Clock
	// CircuitWaits caps consecutive waits on an open geocoder circuit. The
	// count resets whenever the geocoder answers. Default: DefaultCircuitWaits.
	CircuitWaits int
}

// Loader writes records to the store, classifying each coordinate at most
// once across runs.
type Loader struct {
	store      store.Store
	classifier roadtype.Classifier
	opts       Options
	log        *zap.Logger

	cacheMu sync.Mutex
	cache   *LookupCache

	active atomic.Pointer[tracker]
}

// New creates a Loader.
func New(st store.Store, classifier roadtype.Classifier, opts Options) *Loader {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.CircuitWaits < 1 {
		opts.CircuitWaits = DefaultCircuitWaits
	}
	return &Loader{
		store:      st,
		classifier: classifier,
		opts:       opts,
		log:        zap.L().With(zap.String("component", "loader")),
	}
}

// runState is the per-run working set.
type runState struct {
	id    string
	kind  model.RunKind
	cache *LookupCache
	memo  *failureMemo
	// fresh holds coordinates classified by the pre-classification pool
	// whose first row has not been written yet.
	fresh map[model.GeoKey]bool
	stats *tracker
	// gate admits one caller at a time to wait on an open circuit; waits
	// counts cooldowns sat out since the geocoder last answered.
	gate  chan struct{}
	waits atomic.Int32
}

// Cache returns the lookup cache, building it from the store on first use.
func (l *Loader) Cache(ctx context.Context) (*LookupCache, error) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.cache != nil {
		return l.cache, nil
	}

	start := l.opts.Clock.Now()
	c, err := BuildLookupCache(ctx, l.store)
	if err != nil {
		return nil, err
	}
	l.cache = c
	if m := l.opts.Metrics; m != nil {
		m.CacheSize.Set(float64(c.Len()))
	}
	l.log.Info("lookup cache built",
		zap.Int("coordinates", c.Len()),
		zap.Duration("elapsed", l.opts.Clock.Since(start)),
	)
	return c, nil
}

// Live returns the counters of the run in progress, or nil when idle.
func (l *Loader) Live() *model.RunStats {
	t := l.active.Load()
	if t == nil {
		return nil
	}
	s := t.snapshot()
	return &s
}

// Load classifies and persists recs in order.
func (l *Loader) Load(ctx context.Context, recs []model.Record) (model.RunStats, error) {
	return l.LoadParsed(ctx, recs, nil)
}

// LoadParsed is Load for a batch whose unparseable rows were already
// rejected. Each rejected row is counted as read and failed and recorded in
// the skipped-row ledger of the run.
//
// Rows whose coordinate cannot be classified are skipped. An open geocoder
// circuit pauses the run for its cooldown. The run fails on store errors, on
// an unreachable geocoder, on a circuit still open after CircuitWaits
// cooldowns and on cancellation, in which case ctx.Err() is returned.
func (l *Loader) LoadParsed(ctx context.Context, recs []model.Record, rejected []model.Skip) (model.RunStats, error) {
	run, err := l.store.CreateRun(ctx, model.RunKindLoad)
	if err != nil {
		return model.RunStats{}, eris.Wrap(err, "loader: create run")
	}
	rs := &runState{
		id:    run.ID,
		kind:  run.Kind,
		memo:  newFailureMemo(),
		fresh: make(map[model.GeoKey]bool),
		stats: &tracker{},
		gate:  make(chan struct{}, 1),
	}

	l.begin(rs.stats)
	defer l.end()

	l.log.Info("load started",
		zap.String("run_id", run.ID),
		zap.Int("rows", len(recs)),
		zap.Int("rejected", len(rejected)),
		zap.Int("workers", l.opts.Workers),
	)
	err = l.load(ctx, rs, recs, rejected)
	return l.finish(ctx, rs, err)
}

func (l *Loader) load(ctx context.Context, rs *runState, recs []model.Record, rejected []model.Skip) error {
	cache, err := l.Cache(ctx)
	if err != nil {
		return err
	}
	rs.cache = cache

	for _, sk := range rejected {
		rs.stats.rowsRead.Add(1)
		rs.stats.failures.Add(1)
		l.countRow(monitoring.OutcomeSkipped)
		if err := l.store.RecordSkip(ctx, rs.id, sk); err != nil {
			return eris.Wrap(err, "loader: record rejected row")
		}
	}

	if l.opts.Workers > 1 {
		if err := l.preclassify(ctx, rs, recs); err != nil {
			return err
		}
	}

	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rs.stats.rowsRead.Add(1)

		cls, err := l.resolve(ctx, rs, rec.Coordinate.Geo)
		switch {
		case err == nil:
			res, err := l.store.SaveAccident(ctx, rec, cls)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return eris.Wrapf(err, "loader: save row %d", i)
			}
			l.recordSave(rs, res)
		case roadtype.IsDefinitive(err):
			if err := l.skip(ctx, rs, rec, err); err != nil {
				return err
			}
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return eris.Wrapf(err, "loader: classify row %d", i)
		}

		if (i+1)%l.opts.ProgressEvery == 0 {
			l.progress(ctx, rs, "load progress")
		}
	}
	return nil
}

// preclassify queries the distinct uncached coordinates of recs on a
// bounded worker pool. Definitive failures are memoized; any other failure
// stops the pool.
func (l *Loader) preclassify(ctx context.Context, rs *runState, recs []model.Record) error {
	seen := make(map[model.GeoKey]bool)
	var keys []model.GeoKey
	for _, rec := range recs {
		k := rec.Coordinate.Geo
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := rs.cache.Get(k); !ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	l.log.Info("pre-classifying coordinates",
		zap.Int("coordinates", len(keys)),
		zap.Int("workers", l.opts.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for _, k := range keys {
		if gctx.Err() != nil {
			break
		}
		rs.fresh[k] = true
		g.Go(func() error {
			_, err := l.classify(gctx, rs, k)
			if err != nil && !roadtype.IsDefinitive(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrap(err, "loader: pre-classify")
	}
	return ctx.Err()
}

// resolve returns the classification of key from the cache, the in-run
// failure memo, or a live query.
func (l *Loader) resolve(ctx context.Context, rs *runState, key model.GeoKey) (model.Classification, error) {
	if cls, ok := rs.cache.Get(key); ok {
		if rs.fresh[key] {
			delete(rs.fresh, key)
		} else {
			rs.stats.cacheHits.Add(1)
			l.countLookup("hit")
		}
		return cls, nil
	}
	if err := rs.memo.get(key); err != nil {
		return model.Classification{}, err
	}
	return l.classify(ctx, rs, key)
}

func (l *Loader) classify(ctx context.Context, rs *runState, key model.GeoKey) (model.Classification, error) {
	l.countLookup("miss")
	rs.stats.queries.Add(1)

	cls, err := l.query(ctx, rs, key)
	if err != nil {
		if roadtype.IsDefinitive(err) {
			rs.memo.put(key, err)
		}
		return cls, err
	}

	rs.cache.Put(key, cls)
	if m := l.opts.Metrics; m != nil {
		m.CacheSize.Set(float64(rs.cache.Len()))
	}
	return cls, nil
}

// query asks the classifier about key. While the geocoder circuit is open
// it waits out the cooldown and asks again, so the call after the cooldown
// is the one the breaker lets through. More than CircuitWaits cooldowns
// without an answer in between return the open-circuit error.
func (l *Loader) query(ctx context.Context, rs *runState, key model.GeoKey) (model.Classification, error) {
	cls, err := l.ask(ctx, rs, key)
	if _, open := resilience.RetryAfter(err); !open {
		return cls, err
	}

	// One caller at a time sits out the cooldown; the others queue here and
	// find the circuit closed again if the trial call succeeded.
	select {
	case rs.gate <- struct{}{}:
	case <-ctx.Done():
		return model.Classification{}, ctx.Err()
	}
	defer func() { <-rs.gate }()

	for {
		cls, err = l.ask(ctx, rs, key)
		wait, open := resilience.RetryAfter(err)
		if !open {
			return cls, err
		}
		n := int(rs.waits.Add(1))
		if n > l.opts.CircuitWaits {
			return cls, eris.Wrapf(err, "geocoder circuit still open after %d cooldowns", l.opts.CircuitWaits)
		}
		l.log.Warn("geocoder circuit open, waiting",
			zap.String("run_id", rs.id),
			zap.Duration("wait", wait),
			zap.Int("wait_number", n),
			zap.Int("max_waits", l.opts.CircuitWaits),
		)
		if err := resilience.Sleep(ctx, l.opts.Clock, wait); err != nil {
			return model.Classification{}, err
		}
	}
}

// ask is a single classifier call. Refusals by an open circuit are not
// observed as queries.
func (l *Loader) ask(ctx context.Context, rs *runState, key model.GeoKey) (model.Classification, error) {
	start := l.opts.Clock.Now()
	cls, err := l.classifier.Classify(ctx, key)
	if _, open := resilience.RetryAfter(err); open {
		return cls, err
	}
	if m := l.opts.Metrics; m != nil {
		m.QueryDuration.Observe(l.opts.Clock.Since(start).Seconds())
		m.Queries.WithLabelValues(queryOutcome(err)).Inc()
	}
	if err == nil || errors.Is(err, roadtype.ErrNotARoad) {
		rs.waits.Store(0)
	}
	return cls, err
}

func (l *Loader) skip(ctx context.Context, rs *runState, rec model.Record, cause error) error {
	rs.stats.failures.Add(1)
	l.countRow(monitoring.OutcomeSkipped)

	sk := model.Skip{
		Geo:       rec.Coordinate.Geo,
		Reason:    model.SkipRoadTypeNotFound,
		ErrorType: resilience.ErrorTypeTransient,
		Error:     cause.Error(),
	}
	if errors.Is(cause, roadtype.ErrNotARoad) {
		sk.Reason = model.SkipNotARoad
		sk.ErrorType = resilience.ErrorTypePermanent
	}
	l.log.Debug("row skipped",
		zap.String("geo", sk.Geo.String()),
		zap.String("reason", sk.Reason),
	)
	if err := l.store.RecordSkip(ctx, rs.id, sk); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrap(err, "loader: record skip")
	}
	return nil
}

func (l *Loader) recordSave(rs *runState, res store.SaveResult) {
	if res.AccidentCreated {
		rs.stats.accidentsCreated.Add(1)
	}
	if res.CoordinateCreated {
		rs.stats.coordinatesCreated.Add(1)
	}
	if res.ParticipantsCreated {
		rs.stats.participantsCreated.Add(1)
	}

	m := l.opts.Metrics
	if m == nil {
		return
	}
	if res.AccidentCreated {
		m.Rows.WithLabelValues(monitoring.OutcomeLoaded).Inc()
		m.Created.WithLabelValues("accident").Inc()
	} else {
		m.Rows.WithLabelValues(monitoring.OutcomeDuplicate).Inc()
	}
	if res.CoordinateCreated {
		m.Created.WithLabelValues("coordinate").Inc()
	}
	if res.ParticipantsCreated {
		m.Created.WithLabelValues("participants").Inc()
	}
}

func (l *Loader) progress(ctx context.Context, rs *runState, msg string) {
	s := l.logProgress(rs, msg)
	if err := l.store.UpdateRunStats(ctx, rs.id, s); err != nil && ctx.Err() == nil {
		l.log.Warn("persist run stats failed", zap.String("run_id", rs.id), zap.Error(err))
	}
}

func (l *Loader) logProgress(rs *runState, msg string) model.RunStats {
	s := rs.stats.snapshot()
	fields := []zap.Field{
		zap.String("run_id", rs.id),
		zap.Int64("rows", s.RowsRead),
		zap.Int64("failures", s.Failures),
	}
	if rs.kind == model.RunKindBackfill {
		fields = append(fields,
			zap.Int64("updated", s.Updated),
			zap.Int64("not_found", s.NotFound),
		)
	} else {
		fields = append(fields,
			zap.Int64("accidents_created", s.AccidentsCreated),
			zap.Int64("coordinates_created", s.CoordinatesCreated),
			zap.Int64("participants_created", s.ParticipantsCreated),
			zap.Int64("queries", s.Queries),
			zap.Int64("cache_hits", s.CacheHits),
		)
		if rs.cache != nil {
			fields = append(fields, zap.Int("cache_size", rs.cache.Len()))
		}
	}
	l.log.Info(msg, fields...)
	return s
}

// finish records the run outcome. The run-log update outlives ctx so a
// cancelled run is still marked failed.
func (l *Loader) finish(ctx context.Context, rs *runState, runErr error) (model.RunStats, error) {
	stats := rs.stats.snapshot()
	status := model.RunStatusComplete
	if runErr != nil {
		status = model.RunStatusFailed
	}

	if err := l.store.FinishRun(context.WithoutCancel(ctx), rs.id, status, stats, runErr); err != nil {
		if runErr == nil {
			return stats, eris.Wrap(err, "loader: finish run")
		}
		l.log.Error("finish run failed", zap.String("run_id", rs.id), zap.Error(err))
	}

	if runErr != nil {
		l.log.Error("run failed",
			zap.String("run_id", rs.id),
			zap.Int64("rows", stats.RowsRead),
			zap.String("error_type", resilience.ErrorType(runErr)),
			zap.Error(runErr),
		)
		return stats, runErr
	}
	l.logProgress(rs, "run complete")
	return stats, nil
}

func (l *Loader) begin(t *tracker) {
	l.active.Store(t)
	if m := l.opts.Metrics; m != nil {
		m.RunActive.Set(1)
	}
}

func (l *Loader) end() {
	l.active.Store(nil)
	if m := l.opts.Metrics; m != nil {
		m.RunActive.Set(0)
	}
}

func (l *Loader) countRow(outcome string) {
	if m := l.opts.Metrics; m != nil {
		m.Rows.WithLabelValues(outcome).Inc()
	}
}

func (l *Loader) countLookup(result string) {
	if m := l.opts.Metrics; m != nil {
		m.Lookups.WithLabelValues(result).Inc()
	}
}

func queryOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, roadtype.ErrNotARoad):
		return "not_a_road"
	case errors.Is(err, roadtype.ErrRoadTypeNotFound):
		return "not_found"
	default:
		return "error"
	}
}
