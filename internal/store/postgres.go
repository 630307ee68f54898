package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/accident-etl/internal/db"
	"github.com/sells-group/accident-etl/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	stmts   statements
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pool: pool, stmts: buildStatements(db.Postgres), closeFn: closeFn}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- accidents ---

const pgScanClassificationsSQL = `
SELECT c.wsg_long::text, c.wsg_lat::text, a.road_type_external, a.road_type_local
FROM accident a JOIN coordinate c ON c.id = a.coordinate_id`

func (s *PostgresStore) ScanClassifications(ctx context.Context, fn ClassificationFunc) error {
	rows, err := s.pool.Query(ctx, pgScanClassificationsSQL)
	if err != nil {
		return eris.Wrap(err, "postgres: scan classifications")
	}
	defer rows.Close()

	for rows.Next() {
		var lon, lat string
		var cls model.Classification
		if err := rows.Scan(&lon, &lat, &cls.External, &cls.Local); err != nil {
			return eris.Wrap(err, "postgres: scan classification row")
		}
		key, err := model.ParseGeoKey(lon, lat)
		if err != nil {
			return err
		}
		if err := fn(key, cls); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: scan classifications iterate")
}

func (s *PostgresStore) SaveAccident(ctx context.Context, rec model.Record, cls model.Classification) (SaveResult, error) {
	var res SaveResult
	coordArgs, err := pgCoordinateArgs(rec.Coordinate)
	if err != nil {
		return res, err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		partID, created, err := pgGetOrCreate(ctx, tx, s.stmts.participants, participantsInsert, participantArgs(rec.Participants))
		if err != nil {
			return eris.Wrap(err, "postgres: resolve participants")
		}
		res.ParticipantsCreated = created

		coordID, created, err := pgGetOrCreate(ctx, tx, s.stmts.coordinate, coordinateInsert, coordArgs)
		if err != nil {
			return eris.Wrap(err, "postgres: resolve coordinate")
		}
		res.CoordinateCreated = created

		acc := rec.Accident(cls, coordID, partID)
		res.AccidentID, res.AccidentCreated, err = pgGetOrCreate(ctx, tx, s.stmts.accident, accidentInsert, accidentArgs(acc))
		return eris.Wrap(err, "postgres: insert accident")
	})
	if err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

func (s *PostgresStore) ReassignParticipants(ctx context.Context, rec model.Record) (bool, error) {
	lon, lat, err := rec.Coordinate.Geo.Floats()
	if err != nil {
		return false, err
	}

	found := false
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var coordID int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM coordinate WHERE wsg_long = $1 AND wsg_lat = $2 ORDER BY id LIMIT 1`,
			lon, lat,
		).Scan(&coordID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "postgres: find coordinate")
		}

		partID, _, err := pgGetOrCreate(ctx, tx, s.stmts.participants, participantsInsert, participantArgs(rec.Participants))
		if err != nil {
			return eris.Wrap(err, "postgres: resolve participants")
		}

		var accID, curPartID int64
		var lighting int
		err = tx.QueryRow(ctx,
			`SELECT id, participants_id, lighting FROM accident
			 WHERE coordinate_id = $1 AND road_state = $2 AND severity = $3
			   AND year = $4 AND month = $5 AND hour = $6 AND weekday = $7
			 ORDER BY id LIMIT 1`,
			coordID, rec.RoadState, rec.Severity(), rec.Year, rec.Month, rec.Hour, rec.Weekday,
		).Scan(&accID, &curPartID, &lighting)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "postgres: find accident")
		}
		found = true
		if curPartID == partID {
			return nil
		}

		// Skipped when an identical accident already carries the new set.
		_, err = tx.Exec(ctx,
			`UPDATE accident SET participants_id = $1 WHERE id = $2
			 AND NOT EXISTS (
				SELECT 1 FROM accident d
				WHERE d.coordinate_id = $3 AND d.participants_id = $1 AND d.year = $4 AND d.month = $5
				  AND d.hour = $6 AND d.weekday = $7 AND d.road_state = $8 AND d.severity = $9 AND d.lighting = $10)`,
			partID, accID, coordID, rec.Year, rec.Month, rec.Hour, rec.Weekday, rec.RoadState, rec.Severity(), lighting,
		)
		return eris.Wrapf(err, "postgres: reassign accident %d", accID)
	})
	return found && err == nil, err
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, countsSQL).
		Scan(&c.Accidents, &c.Coordinates, &c.Participants, &c.Runs, &c.Skipped)
	return c, eris.Wrap(err, "postgres: counts")
}

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO load_runs (id, kind, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) UpdateRunStats(ctx context.Context, runID string, stats model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE load_runs SET stats = $1 WHERE id = $2`, statsJSON, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run stats %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "%s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE load_runs SET status = $1, stats = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), statsJSON, msg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "%s", runID)
	}
	return nil
}

const pgRunColumns = `id, kind, status, stats, error, started_at, completed_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM load_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM load_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- skipped rows ---

func (s *PostgresStore) RecordSkip(ctx context.Context, runID string, skip model.Skip) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skipped_rows (run_id, wsg_long, wsg_lat, reason, error_type, error)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		runID, skip.Geo.Lon, skip.Geo.Lat, skip.Reason, skip.ErrorType, skip.Error,
	)
	return eris.Wrap(err, "postgres: record skip")
}

func (s *PostgresStore) ListSkips(ctx context.Context, runID string, limit int) ([]model.Skip, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wsg_long, wsg_lat, reason, error_type, COALESCE(error, '') FROM skipped_rows
		 WHERE run_id = $1 ORDER BY id LIMIT $2`,
		runID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list skips")
	}
	defer rows.Close()

	var skips []model.Skip
	for rows.Next() {
		var sk model.Skip
		if err := rows.Scan(&sk.Geo.Lon, &sk.Geo.Lat, &sk.Reason, &sk.ErrorType, &sk.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan skip")
		}
		skips = append(skips, sk)
	}
	return skips, eris.Wrap(rows.Err(), "postgres: list skips iterate")
}

// helpers

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// pgGetOrCreate runs an insert-if-absent and resolves the row id.
func pgGetOrCreate(ctx context.Context, q db.Querier, st db.Statements, cfg db.InsertConfig, args []any) (int64, bool, error) {
	tag, err := q.Exec(ctx, st.Insert, args...)
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := q.QueryRow(ctx, st.Select, db.KeyArgs(cfg, args)...).Scan(&id); err != nil {
		return 0, false, err
	}
	return id, tag.RowsAffected() > 0, nil
}

func pgCoordinateArgs(c model.Coordinate) ([]any, error) {
	utmX, err := strconv.ParseFloat(c.UTMX, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: utm_x %q", c.UTMX)
	}
	utmY, err := strconv.ParseFloat(c.UTMY, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: utm_y %q", c.UTMY)
	}
	lon, lat, err := c.Geo.Floats()
	if err != nil {
		return nil, err
	}
	geom, err := c.EWKB()
	if err != nil {
		return nil, err
	}
	return []any{c.UTMZone, utmX, utmY, lon, lat, geom}, nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var kind, status string
	var stats []byte
	var runErr *string

	if err := row.Scan(&r.ID, &kind, &status, &stats, &runErr, &r.StartedAt, &r.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Kind = model.RunKind(kind)
	r.Status = model.RunStatus(status)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	if runErr != nil {
		r.Error = *runErr
	}
	return &r, nil
}
