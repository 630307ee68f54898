package main

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/accident-etl/internal/archive"
	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/normalize"
)

// prepareRecords projects the raw table onto the loaded columns, drops
// incomplete rows, keeps at most limit rows (0 keeps all) and parses them.
// Rows that fail to parse come back as skipped-row entries.
func prepareRecords(raw *archive.Table, limit int) ([]model.Record, []model.Skip, error) {
	selected, err := raw.Select(normalize.RequiredColumns...)
	if err != nil {
		return nil, nil, eris.Wrap(err, "select required columns")
	}

	t := normalize.Normalize(selected)
	dropped := selected.Len() - t.Len()
	if limit > 0 && t.Len() > limit {
		t.Rows = t.Rows[:limit]
	}

	recs, rowErrs := normalize.Parse(t)
	if normalize.MissingColumns(rowErrs) {
		return nil, nil, eris.Errorf("table lacks required columns: %v", rowErrs)
	}

	zap.L().Info("records prepared",
		zap.Int("raw_rows", raw.Len()),
		zap.Int("incomplete", dropped),
		zap.Int("records", len(recs)),
		zap.Int("rejected", len(rowErrs)),
	)
	return recs, normalize.Rejected(t, rowErrs), nil
}
