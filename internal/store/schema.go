package store

import (
	"github.com/sells-group/accident-etl/internal/db"
	"github.com/sells-group/accident-etl/internal/model"
)

var (
	participantsInsert = db.InsertConfig{
		Table:        "participants",
		Columns:      []string{"pedestrian", "truck", "motorcycle", "bicycle", "car", "other"},
		ConflictKeys: []string{"pedestrian", "truck", "motorcycle", "bicycle", "car", "other"},
	}
	coordinateInsert = db.InsertConfig{
		Table:        "coordinate",
		Columns:      []string{"utm_zone", "utm_x", "utm_y", "wsg_long", "wsg_lat", "geom"},
		ConflictKeys: []string{"wsg_long", "wsg_lat", "utm_zone", "utm_x", "utm_y"},
	}
	accidentInsert = db.InsertConfig{
		Table: "accident",
		Columns: []string{
			"road_state", "severity", "lighting", "road_type_external", "road_type_local",
			"coordinate_id", "participants_id", "year", "month", "hour", "weekday",
		},
		ConflictKeys: []string{
			"coordinate_id", "participants_id", "year", "month", "hour", "weekday",
			"road_state", "severity", "lighting",
		},
	}
)

// statements holds the get-or-create SQL of one dialect.
type statements struct {
	participants db.Statements
	coordinate   db.Statements
	accident     db.Statements
}

func buildStatements(d db.Dialect) statements {
	return statements{
		participants: db.MustInsertIfAbsent(d, participantsInsert),
		coordinate:   db.MustInsertIfAbsent(d, coordinateInsert),
		accident:     db.MustInsertIfAbsent(d, accidentInsert),
	}
}

func participantArgs(p model.ParticipantSet) []any {
	flags := p.Flags()
	args := make([]any, len(flags))
	for i, f := range flags {
		args[i] = f
	}
	return args
}

func accidentArgs(a model.Accident) []any {
	return []any{
		a.RoadState, a.Severity, a.Lighting, a.RoadType.External, a.RoadType.Local,
		a.CoordinateID, a.ParticipantsID, a.Year, a.Month, a.Hour, a.Weekday,
	}
}

const scanClassificationsSQL = `
SELECT c.wsg_long, c.wsg_lat, a.road_type_external, a.road_type_local
FROM accident a JOIN coordinate c ON c.id = a.coordinate_id`

const countsSQL = `
SELECT
	(SELECT COUNT(*) FROM accident),
	(SELECT COUNT(*) FROM coordinate),
	(SELECT COUNT(*) FROM participants),
	(SELECT COUNT(*) FROM load_runs),
	(SELECT COUNT(*) FROM skipped_rows)`

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS participants (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	pedestrian INTEGER NOT NULL,
	truck      INTEGER NOT NULL,
	motorcycle INTEGER NOT NULL,
	bicycle    INTEGER NOT NULL,
	car        INTEGER NOT NULL,
	other      INTEGER NOT NULL,
	UNIQUE (pedestrian, truck, motorcycle, bicycle, car, other)
);

CREATE TABLE IF NOT EXISTS coordinate (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	utm_zone TEXT NOT NULL,
	utm_x    TEXT NOT NULL,
	utm_y    TEXT NOT NULL,
	wsg_long TEXT NOT NULL,
	wsg_lat  TEXT NOT NULL,
	geom     BLOB,
	UNIQUE (wsg_long, wsg_lat, utm_zone, utm_x, utm_y)
);

CREATE TABLE IF NOT EXISTS accident (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	road_state         INTEGER NOT NULL CHECK (road_state BETWEEN 0 AND 2),
	severity           INTEGER NOT NULL CHECK (severity BETWEEN 0 AND 2),
	lighting           INTEGER NOT NULL CHECK (lighting BETWEEN 0 AND 2),
	road_type_external TEXT NOT NULL,
	road_type_local    TEXT NOT NULL,
	coordinate_id      INTEGER NOT NULL REFERENCES coordinate(id),
	participants_id    INTEGER NOT NULL REFERENCES participants(id),
	year               INTEGER NOT NULL,
	month              INTEGER NOT NULL,
	hour               INTEGER NOT NULL,
	weekday            INTEGER NOT NULL,
	UNIQUE (coordinate_id, participants_id, year, month, hour, weekday, road_state, severity, lighting)
);

CREATE INDEX IF NOT EXISTS idx_accident_coordinate ON accident(coordinate_id);

CREATE TABLE IF NOT EXISTS load_runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	stats        TEXT,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_load_runs_started ON load_runs(started_at);

CREATE TABLE IF NOT EXISTS skipped_rows (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES load_runs(id),
	wsg_long   TEXT NOT NULL,
	wsg_lat    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error_type TEXT NOT NULL,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_skipped_rows_run ON skipped_rows(run_id);
`

const postgresMigration = `
CREATE TABLE IF NOT EXISTS participants (
	id         BIGSERIAL PRIMARY KEY,
	pedestrian BOOLEAN NOT NULL,
	truck      BOOLEAN NOT NULL,
	motorcycle BOOLEAN NOT NULL,
	bicycle    BOOLEAN NOT NULL,
	car        BOOLEAN NOT NULL,
	other      BOOLEAN NOT NULL,
	UNIQUE (pedestrian, truck, motorcycle, bicycle, car, other)
);

CREATE TABLE IF NOT EXISTS coordinate (
	id       BIGSERIAL PRIMARY KEY,
	utm_zone TEXT NOT NULL,
	utm_x    NUMERIC(10,1) NOT NULL,
	utm_y    NUMERIC(10,1) NOT NULL,
	wsg_long NUMERIC(9,6) NOT NULL,
	wsg_lat  NUMERIC(9,6) NOT NULL,
	geom     BYTEA,
	UNIQUE (wsg_long, wsg_lat, utm_zone, utm_x, utm_y)
);

CREATE TABLE IF NOT EXISTS accident (
	id                 BIGSERIAL PRIMARY KEY,
	road_state         SMALLINT NOT NULL CHECK (road_state BETWEEN 0 AND 2),
	severity           SMALLINT NOT NULL CHECK (severity BETWEEN 0 AND 2),
	lighting           SMALLINT NOT NULL CHECK (lighting BETWEEN 0 AND 2),
	road_type_external TEXT NOT NULL,
	road_type_local    TEXT NOT NULL,
	coordinate_id      BIGINT NOT NULL REFERENCES coordinate(id),
	participants_id    BIGINT NOT NULL REFERENCES participants(id),
	year               INTEGER NOT NULL,
	month              SMALLINT NOT NULL,
	hour               SMALLINT NOT NULL,
	weekday            SMALLINT NOT NULL,
	UNIQUE (coordinate_id, participants_id, year, month, hour, weekday, road_state, severity, lighting)
);

CREATE INDEX IF NOT EXISTS idx_accident_coordinate ON accident(coordinate_id);

CREATE TABLE IF NOT EXISTS load_runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	stats        JSONB,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_load_runs_started ON load_runs(started_at);

CREATE TABLE IF NOT EXISTS skipped_rows (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES load_runs(id),
	wsg_long   TEXT NOT NULL,
	wsg_lat    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error_type TEXT NOT NULL,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_skipped_rows_run ON skipped_rows(run_id);
`
