package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect selects the bind-parameter style of generated statements.
type Dialect int

const (
	// Postgres uses numbered $n placeholders.
	Postgres Dialect = iota
	// SQLite uses positional ? placeholders.
	SQLite
)

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == SQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// InsertConfig defines a get-or-create statement pair for a table whose
// natural key is guarded by a unique constraint.
type InsertConfig struct {
	Table        string   // target table (e.g., "coordinate")
	IDColumn     string   // surrogate key column; defaults to "id"
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
}

// Statements holds the generated SQL for a get-or-create.
type Statements struct {
	// Insert inserts a row unless the natural key already exists. Its
	// arguments are the values of Columns in order.
	Insert string
	// Select resolves the surrogate key. Its arguments are the values of
	// ConflictKeys in order.
	Select string
}

// InsertIfAbsent builds INSERT ... ON CONFLICT (keys) DO NOTHING plus the
// matching key lookup. Both SQLite and Postgres accept the generated syntax.
func InsertIfAbsent(d Dialect, cfg InsertConfig) (Statements, error) {
	if cfg.Table == "" {
		return Statements{}, eris.New("db: insert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return Statements{}, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return Statements{}, eris.New("db: insert: no conflict keys specified")
	}

	colSet := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		colSet[c] = true
	}
	for _, k := range cfg.ConflictKeys {
		if !colSet[k] {
			return Statements{}, eris.Errorf("db: insert: conflict key %q is not an inserted column", k)
		}
	}

	idCol := cfg.IDColumn
	if idCol == "" {
		idCol = "id"
	}

	values := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		values[i] = d.Placeholder(i + 1)
	}

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(values, ", "),
		quoteAndJoin(cfg.ConflictKeys),
	)

	where := make([]string, len(cfg.ConflictKeys))
	for i, k := range cfg.ConflictKeys {
		where[i] = fmt.Sprintf("%s = %s", pgx.Identifier{k}.Sanitize(), d.Placeholder(i+1))
	}

	selectSQL := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s",
		pgx.Identifier{idCol}.Sanitize(),
		sanitizeTable(cfg.Table),
		strings.Join(where, " AND "),
	)

	return Statements{Insert: insertSQL, Select: selectSQL}, nil
}

// MustInsertIfAbsent is InsertIfAbsent for statically known tables.
func MustInsertIfAbsent(d Dialect, cfg InsertConfig) Statements {
	s, err := InsertIfAbsent(d, cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// KeyArgs picks the conflict-key values out of a full column argument list.
func KeyArgs(cfg InsertConfig, args []any) []any {
	idx := make(map[string]int, len(cfg.Columns))
	for i, c := range cfg.Columns {
		idx[c] = i
	}
	out := make([]any, 0, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		out = append(out, args[idx[k]])
	}
	return out
}

// sanitizeTable handles schema-qualified table names like "public.accident".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
