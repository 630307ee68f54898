package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/accident-etl/internal/db"
	"github.com/sells-group/accident-etl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db    *sql.DB
	stmts statements
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn, stmts: buildStatements(db.SQLite)}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- accidents ---

func (s *SQLiteStore) ScanClassifications(ctx context.Context, fn ClassificationFunc) error {
	rows, err := s.db.QueryContext(ctx, scanClassificationsSQL)
	if err != nil {
		return eris.Wrap(err, "sqlite: scan classifications")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var lon, lat string
		var cls model.Classification
		if err := rows.Scan(&lon, &lat, &cls.External, &cls.Local); err != nil {
			return eris.Wrap(err, "sqlite: scan classification row")
		}
		key, err := model.ParseGeoKey(lon, lat)
		if err != nil {
			return err
		}
		if err := fn(key, cls); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: scan classifications iterate")
}

func (s *SQLiteStore) SaveAccident(ctx context.Context, rec model.Record, cls model.Classification) (SaveResult, error) {
	var res SaveResult
	coordArgs, err := sqliteCoordinateArgs(rec.Coordinate)
	if err != nil {
		return res, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		partID, created, err := sqliteGetOrCreate(ctx, tx, s.stmts.participants, participantsInsert, participantArgs(rec.Participants))
		if err != nil {
			return eris.Wrap(err, "sqlite: resolve participants")
		}
		res.ParticipantsCreated = created

		coordID, created, err := sqliteGetOrCreate(ctx, tx, s.stmts.coordinate, coordinateInsert, coordArgs)
		if err != nil {
			return eris.Wrap(err, "sqlite: resolve coordinate")
		}
		res.CoordinateCreated = created

		acc := rec.Accident(cls, coordID, partID)
		res.AccidentID, res.AccidentCreated, err = sqliteGetOrCreate(ctx, tx, s.stmts.accident, accidentInsert, accidentArgs(acc))
		return eris.Wrap(err, "sqlite: insert accident")
	})
	if err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

func (s *SQLiteStore) ReassignParticipants(ctx context.Context, rec model.Record) (bool, error) {
	found := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var coordID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM coordinate WHERE wsg_long = ? AND wsg_lat = ? ORDER BY id LIMIT 1`,
			rec.Coordinate.Geo.Lon, rec.Coordinate.Geo.Lat,
		).Scan(&coordID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: find coordinate")
		}

		partID, _, err := sqliteGetOrCreate(ctx, tx, s.stmts.participants, participantsInsert, participantArgs(rec.Participants))
		if err != nil {
			return eris.Wrap(err, "sqlite: resolve participants")
		}

		var accID, curPartID int64
		var lighting int
		err = tx.QueryRowContext(ctx,
			`SELECT id, participants_id, lighting FROM accident
			 WHERE coordinate_id = ? AND road_state = ? AND severity = ?
			   AND year = ? AND month = ? AND hour = ? AND weekday = ?
			 ORDER BY id LIMIT 1`,
			coordID, rec.RoadState, rec.Severity(), rec.Year, rec.Month, rec.Hour, rec.Weekday,
		).Scan(&accID, &curPartID, &lighting)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: find accident")
		}
		found = true
		if curPartID == partID {
			return nil
		}

		var dup int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM accident
			 WHERE coordinate_id = ? AND participants_id = ? AND year = ? AND month = ?
			   AND hour = ? AND weekday = ? AND road_state = ? AND severity = ? AND lighting = ?`,
			coordID, partID, rec.Year, rec.Month, rec.Hour, rec.Weekday, rec.RoadState, rec.Severity(), lighting,
		).Scan(&dup)
		switch {
		case err == nil:
			return nil // an identical accident already carries the new set
		case !errors.Is(err, sql.ErrNoRows):
			return eris.Wrap(err, "sqlite: check reassigned accident")
		}

		_, err = tx.ExecContext(ctx, `UPDATE accident SET participants_id = ? WHERE id = ?`, partID, accID)
		return eris.Wrapf(err, "sqlite: reassign accident %d", accID)
	})
	return found && err == nil, err
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, countsSQL).
		Scan(&c.Accidents, &c.Coordinates, &c.Participants, &c.Runs, &c.Skipped)
	return c, eris.Wrap(err, "sqlite: counts")
}

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, kind model.RunKind) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO load_runs (id, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRunStats(ctx context.Context, runID string, stats model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE load_runs SET stats = ? WHERE id = ?`, string(statsJSON), runID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run stats %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE load_runs SET status = ?, stats = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), string(statsJSON), nullString(errString(runErr)), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

const sqliteRunColumns = `id, kind, status, stats, error, started_at, completed_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM load_runs WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM load_runs WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- skipped rows ---

func (s *SQLiteStore) RecordSkip(ctx context.Context, runID string, skip model.Skip) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skipped_rows (run_id, wsg_long, wsg_lat, reason, error_type, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, skip.Geo.Lon, skip.Geo.Lat, skip.Reason, skip.ErrorType, nullString(skip.Error), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: record skip")
}

func (s *SQLiteStore) ListSkips(ctx context.Context, runID string, limit int) ([]model.Skip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT wsg_long, wsg_lat, reason, error_type, error FROM skipped_rows
		 WHERE run_id = ? ORDER BY id LIMIT ?`,
		runID, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list skips")
	}
	defer rows.Close() //nolint:errcheck

	var skips []model.Skip
	for rows.Next() {
		var sk model.Skip
		var msg sql.NullString
		if err := rows.Scan(&sk.Geo.Lon, &sk.Geo.Lat, &sk.Reason, &sk.ErrorType, &msg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan skip")
		}
		sk.Error = msg.String
		skips = append(skips, sk)
	}
	return skips, eris.Wrap(rows.Err(), "sqlite: list skips iterate")
}

// helpers

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// sqliteGetOrCreate runs an insert-if-absent and resolves the row id.
func sqliteGetOrCreate(ctx context.Context, tx *sql.Tx, st db.Statements, cfg db.InsertConfig, args []any) (int64, bool, error) {
	res, err := tx.ExecContext(ctx, st.Insert, args...)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, st.Select, db.KeyArgs(cfg, args)...).Scan(&id); err != nil {
		return 0, false, err
	}
	return id, n > 0, nil
}

func sqliteCoordinateArgs(c model.Coordinate) ([]any, error) {
	geom, err := c.EWKB()
	if err != nil {
		return nil, err
	}
	return []any{c.UTMZone, c.UTMX, c.UTMY, c.Geo.Lon, c.Geo.Lat, geom}, nil
}

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "%s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var stats, runErr sql.NullString
	var completed sql.NullTime

	err := row.Scan(&r.ID, &r.Kind, &r.Status, &stats, &runErr, &r.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if stats.Valid {
		if err := json.Unmarshal([]byte(stats.String), &r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	r.Error = runErr.String
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
