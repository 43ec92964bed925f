// Package advisor compares the live schema against an index policy and
// produces index, table and maintenance recommendations.
package advisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLargeTableRows = 10000
	DefaultVacuumSizeMB   = 100
	deadTupleFloor        = 1000
)

var ErrUnsupportedDialect = errors.New("advisor: unsupported dialect")

const (
	pgTablesQuery = `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() ORDER BY tablename`

	pgIndexesQuery = `SELECT i.relname AS index_name,
       array_to_string(array_agg(a.attname ORDER BY k.n), ',') AS columns
FROM pg_catalog.pg_index x
JOIN pg_catalog.pg_class t ON t.oid = x.indrelid
JOIN pg_catalog.pg_class i ON i.oid = x.indexrelid
JOIN pg_catalog.pg_namespace ns ON ns.oid = t.relnamespace
CROSS JOIN LATERAL unnest(x.indkey) WITH ORDINALITY AS k(attnum, n)
JOIN pg_catalog.pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE t.relname = $1 AND ns.nspname = current_schema()
GROUP BY i.relname
ORDER BY i.relname`

	pgLargeUnindexedQuery = `SELECT c.relname AS table_name, c.reltuples::bigint AS row_estimate
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind = 'r' AND n.nspname = current_schema() AND c.reltuples > $1
  AND NOT EXISTS (SELECT 1 FROM pg_catalog.pg_index x WHERE x.indrelid = c.oid)
ORDER BY c.reltuples DESC`

	pgSizeQuery = `SELECT pg_database_size(current_database())`

	pgDeadTuplesQuery = `SELECT relname, n_dead_tup, n_live_tup
FROM pg_catalog.pg_stat_user_tables
WHERE n_dead_tup > $1 AND n_dead_tup > n_live_tup / 5
ORDER BY n_dead_tup DESC`

	sqliteTablesQuery    = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	sqliteIndexListQuery = `SELECT name FROM pragma_index_list(?) ORDER BY name`
	sqliteIndexInfoQuery = `SELECT name FROM pragma_index_info(?) ORDER BY seqno`
	sqliteSizeQuery      = `SELECT p.page_count * s.page_size AS size_bytes, f.freelist_count * s.page_size AS free_bytes
FROM pragma_page_count() p, pragma_page_size() s, pragma_freelist_count() f`
)

// Index is one existing index and its key columns in order. Expression
// columns have an empty name.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

type MissingIndex struct {
	Table    string   `json:"table"`
	Index    string   `json:"index"`
	Columns  []string `json:"columns"`
	Priority string   `json:"priority"`
}

type Report struct {
	MissingIndexes  []MissingIndex `json:"missing_indexes"`
	ExistingIndexes int            `json:"existing_indexes"`
	CheckedTables   []string       `json:"checked_tables"`
	SkippedTables   []string       `json:"skipped_tables,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

type FailedIndex struct {
	MissingIndex
	Error string `json:"error"`
}

type ApplyResult struct {
	Created []MissingIndex `json:"created"`
	Failed  []FailedIndex  `json:"failed"`
}

type Recommendation struct {
	Type      string         `json:"type"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

type Config struct {
	Policy         []TablePolicy
	LargeTableRows int64
	VacuumSizeMB   int64
}

type Advisor struct {
	handle  *sqlx.DB
	dialect db.Dialect
	logger  logrus.FieldLogger

	mu          sync.RWMutex
	policy      []TablePolicy
	largeRows   int64
	vacuumBytes int64
}

func New(handle *sqlx.DB, dialect db.Dialect, cfg Config, logger logrus.FieldLogger) *Advisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Advisor{
		handle:  handle,
		dialect: dialect,
		logger:  logger.WithField("component", "advisor"),
	}
	a.Configure(cfg)
	return a
}

// Configure swaps the policy and thresholds, applying defaults.
func (a *Advisor) Configure(cfg Config) {
	policy := cfg.Policy
	if len(policy) == 0 {
		policy = DefaultPolicy()
	}
	rows := cfg.LargeTableRows
	if rows <= 0 {
		rows = DefaultLargeTableRows
	}
	size := cfg.VacuumSizeMB
	if size <= 0 {
		size = DefaultVacuumSizeMB
	}
	a.mu.Lock()
	a.policy = policy
	a.largeRows = rows
	a.vacuumBytes = size * 1024 * 1024
	a.mu.Unlock()
}

func (a *Advisor) Policy() []TablePolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]TablePolicy(nil), a.policy...)
}

func (a *Advisor) checkDialect() error {
	if a.dialect != db.Postgres && a.dialect != db.SQLite {
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, a.dialect)
	}
	return nil
}

func (a *Advisor) tableNames(ctx context.Context) ([]string, error) {
	query := pgTablesQuery
	if a.dialect == db.SQLite {
		query = sqliteTablesQuery
	}
	var names []string
	if err := a.handle.SelectContext(ctx, &names, query); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

func (a *Advisor) tables(ctx context.Context) (map[string]bool, error) {
	names, err := a.tableNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

// ExistingIndexes introspects the indexes defined on table.
func (a *Advisor) ExistingIndexes(ctx context.Context, table string) ([]Index, error) {
	if err := a.checkDialect(); err != nil {
		return nil, err
	}
	if a.dialect == db.SQLite {
		return a.sqliteIndexes(ctx, table)
	}

	var rows []struct {
		Name    string `db:"index_name"`
		Columns string `db:"columns"`
	}
	if err := a.handle.SelectContext(ctx, &rows, pgIndexesQuery, table); err != nil {
		return nil, fmt.Errorf("list indexes on %s: %w", table, err)
	}
	out := make([]Index, 0, len(rows))
	for _, r := range rows {
		out = append(out, Index{Name: r.Name, Columns: strings.Split(r.Columns, ",")})
	}
	return out, nil
}

func (a *Advisor) sqliteIndexes(ctx context.Context, table string) ([]Index, error) {
	var names []string
	if err := a.handle.SelectContext(ctx, &names, sqliteIndexListQuery, table); err != nil {
		return nil, fmt.Errorf("list indexes on %s: %w", table, err)
	}
	out := make([]Index, 0, len(names))
	for _, name := range names {
		var cols []sql.NullString
		if err := a.handle.SelectContext(ctx, &cols, sqliteIndexInfoQuery, name); err != nil {
			return nil, fmt.Errorf("describe index %s: %w", name, err)
		}
		ix := Index{Name: name, Columns: make([]string, len(cols))}
		for i, c := range cols {
			ix.Columns[i] = c.String
		}
		out = append(out, ix)
	}
	return out, nil
}

// Recommendations lists policy indexes missing from tables that exist.
// Policy tables absent from the schema are reported as skipped.
func (a *Advisor) Recommendations(ctx context.Context) (Report, error) {
	report := Report{
		MissingIndexes: []MissingIndex{},
		CheckedTables:  []string{},
		Timestamp:      time.Now(),
	}
	if err := a.checkDialect(); err != nil {
		return report, err
	}
	present, err := a.tables(ctx)
	if err != nil {
		return report, err
	}

	for _, tp := range a.Policy() {
		if !present[tp.Table] {
			report.SkippedTables = append(report.SkippedTables, tp.Table)
			continue
		}
		existing, err := a.ExistingIndexes(ctx, tp.Table)
		if err != nil {
			return report, err
		}
		report.CheckedTables = append(report.CheckedTables, tp.Table)
		report.ExistingIndexes += len(existing)
		for _, want := range tp.Indexes {
			if satisfied(want, existing) {
				continue
			}
			report.MissingIndexes = append(report.MissingIndexes, MissingIndex{
				Table:    tp.Table,
				Index:    want.Name,
				Columns:  append([]string(nil), want.Columns...),
				Priority: want.Priority,
			})
		}
	}
	return report, nil
}

// ApplyMissing creates every missing index in one transaction. Each index
// runs under its own savepoint so one failure does not abort the others.
func (a *Advisor) ApplyMissing(ctx context.Context) (ApplyResult, error) {
	result := ApplyResult{Created: []MissingIndex{}, Failed: []FailedIndex{}}
	report, err := a.Recommendations(ctx)
	if err != nil {
		return result, err
	}
	if len(report.MissingIndexes) == 0 {
		return result, nil
	}

	tx, err := a.handle.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range report.MissingIndexes {
		sp := fmt.Sprintf("dbwatch_ix_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return result, fmt.Errorf("savepoint: %w", err)
		}
		stmt := createIndexSQL(m.Table, IndexPolicy{Name: m.Index, Columns: m.Columns})
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			a.logger.WithField("index", m.Index).Warnf("Failed to create index: %v", err)
			result.Failed = append(result.Failed, FailedIndex{MissingIndex: m, Error: err.Error()})
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return result, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return result, fmt.Errorf("release savepoint: %w", err)
		}
		result.Created = append(result.Created, m)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit indexes: %w", err)
	}
	a.logger.Infof("Created %d indexes, %d failed", len(result.Created), len(result.Failed))
	return result, nil
}

// DatabaseOptimization combines missing indexes, large unindexed tables and
// size or vacuum findings into one list.
func (a *Advisor) DatabaseOptimization(ctx context.Context) ([]Recommendation, error) {
	report, err := a.Recommendations(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Recommendation, 0, len(report.MissingIndexes))
	for _, m := range report.MissingIndexes {
		recs = append(recs, Recommendation{
			Type:      "missing_index",
			Component: "database",
			Message:   fmt.Sprintf("Missing index %s on %s(%s)", m.Index, m.Table, strings.Join(m.Columns, ", ")),
			Priority:  m.Priority,
			Action:    createIndexSQL(m.Table, IndexPolicy{Name: m.Index, Columns: m.Columns}),
			Details: map[string]any{
				"table":   m.Table,
				"index":   m.Index,
				"columns": m.Columns,
			},
		})
	}

	large, err := a.largeUnindexedTables(ctx)
	if err != nil {
		return recs, err
	}
	recs = append(recs, large...)

	maintenance, err := a.maintenance(ctx)
	if err != nil {
		return recs, err
	}
	return append(recs, maintenance...), nil
}

func (a *Advisor) thresholds() (int64, int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.largeRows, a.vacuumBytes
}

func largeTableRecommendation(table string, rows int64) Recommendation {
	return Recommendation{
		Type:      "large_table_without_index",
		Component: "database",
		Message:   fmt.Sprintf("Table %s has about %d rows and no indexes", table, rows),
		Priority:  PriorityHigh,
		Action:    fmt.Sprintf("Review query patterns on %s and add indexes for its filter columns", table),
		Details:   map[string]any{"table": table, "rows": rows},
	}
}

func (a *Advisor) largeUnindexedTables(ctx context.Context) ([]Recommendation, error) {
	largeRows, _ := a.thresholds()
	var recs []Recommendation

	if a.dialect == db.Postgres {
		var rows []struct {
			Table string `db:"table_name"`
			Rows  int64  `db:"row_estimate"`
		}
		if err := a.handle.SelectContext(ctx, &rows, pgLargeUnindexedQuery, largeRows); err != nil {
			return nil, fmt.Errorf("find large tables: %w", err)
		}
		for _, r := range rows {
			recs = append(recs, largeTableRecommendation(r.Table, r.Rows))
		}
		return recs, nil
	}

	names, err := a.tableNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, table := range names {
		indexes, err := a.sqliteIndexes(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(indexes) > 0 {
			continue
		}
		var count int64
		if err := a.handle.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+quoteIdent(table)); err != nil {
			return nil, fmt.Errorf("count rows in %s: %w", table, err)
		}
		if count > largeRows {
			recs = append(recs, largeTableRecommendation(table, count))
		}
	}
	return recs, nil
}

func (a *Advisor) maintenance(ctx context.Context) ([]Recommendation, error) {
	_, vacuumBytes := a.thresholds()
	var recs []Recommendation

	if a.dialect == db.Postgres {
		var size int64
		if err := a.handle.GetContext(ctx, &size, pgSizeQuery); err != nil {
			return nil, fmt.Errorf("database size: %w", err)
		}
		if size > vacuumBytes {
			recs = append(recs, sizeRecommendation(size, "VACUUM (ANALYZE)"))
		}
		var dead []struct {
			Table string `db:"relname"`
			Dead  int64  `db:"n_dead_tup"`
			Live  int64  `db:"n_live_tup"`
		}
		if err := a.handle.SelectContext(ctx, &dead, pgDeadTuplesQuery, deadTupleFloor); err != nil {
			return nil, fmt.Errorf("dead tuples: %w", err)
		}
		for _, d := range dead {
			recs = append(recs, Recommendation{
				Type:      "vacuum",
				Component: "database",
				Message:   fmt.Sprintf("Table %s has %d dead tuples against %d live", d.Table, d.Dead, d.Live),
				Priority:  PriorityMedium,
				Action:    "VACUUM (ANALYZE) " + quoteIdent(d.Table),
				Details:   map[string]any{"table": d.Table, "dead_tuples": d.Dead, "live_tuples": d.Live},
			})
		}
		return recs, nil
	}

	var st struct {
		Size int64 `db:"size_bytes"`
		Free int64 `db:"free_bytes"`
	}
	if err := a.handle.GetContext(ctx, &st, sqliteSizeQuery); err != nil {
		return nil, fmt.Errorf("database size: %w", err)
	}
	if st.Size > vacuumBytes {
		rec := sizeRecommendation(st.Size, "VACUUM")
		rec.Details["free_bytes"] = st.Free
		recs = append(recs, rec)
	} else if st.Size > 0 && st.Free*4 > st.Size {
		recs = append(recs, Recommendation{
			Type:      "vacuum",
			Component: "database",
			Message:   fmt.Sprintf("%d of %d bytes are free pages", st.Free, st.Size),
			Priority:  PriorityLow,
			Action:    "VACUUM",
			Details:   map[string]any{"size_bytes": st.Size, "free_bytes": st.Free},
		})
	}
	return recs, nil
}

func sizeRecommendation(size int64, action string) Recommendation {
	return Recommendation{
		Type:      "database_size",
		Component: "database",
		Message:   fmt.Sprintf("Database size is %.1f MB", float64(size)/(1024*1024)),
		Priority:  PriorityLow,
		Action:    action,
		Details:   map[string]any{"size_bytes": size},
	}
}
