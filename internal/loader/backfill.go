package loader

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/monitoring"
)

// Backfill re-points stored accidents at the participant set carrying each
// record's full flags, restoring car flags lost by earlier loads. Records
// whose accident is not stored are counted as not found; nothing is created
// besides missing participant sets. No geocoding is performed.
func (l *Loader) Backfill(ctx context.Context, recs []model.Record) (model.RunStats, error) {
	run, err := l.store.CreateRun(ctx, model.RunKindBackfill)
	if err != nil {
		return model.RunStats{}, eris.Wrap(err, "loader: create run")
	}
	rs := &runState{id: run.ID, kind: run.Kind, stats: &tracker{}}

	l.begin(rs.stats)
	defer l.end()

	l.log.Info("backfill started", zap.String("run_id", run.ID), zap.Int("rows", len(recs)))
	err = l.backfill(ctx, rs, recs)
	return l.finish(ctx, rs, err)
}

func (l *Loader) backfill(ctx context.Context, rs *runState, recs []model.Record) error {
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rs.stats.rowsRead.Add(1)

		found, err := l.store.ReassignParticipants(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return eris.Wrapf(err, "loader: backfill row %d", i)
		}
		if found {
			rs.stats.updated.Add(1)
			l.countRow(monitoring.OutcomeUpdated)
		} else {
			rs.stats.notFound.Add(1)
			l.countRow(monitoring.OutcomeNotFound)
			l.log.Debug("accident not found", zap.Int("row", i), zap.String("geo", rec.Coordinate.Geo.String()))
		}

		if (i+1)%l.opts.ProgressEvery == 0 {
			l.progress(ctx, rs, "backfill progress")
		}
	}
	return nil
}
