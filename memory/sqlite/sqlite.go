// Package sqlite implements kiln.FactStore backed by pure-Go SQLite, so
// semantic memory survives process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/kiln"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite fact store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements kiln.FactStore backed by a local SQLite file. Facts
// are append-only; conflicts are keyed by their creation index, which
// mirrors the in-memory conflict slice.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ kiln.FactStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. As with the
// event log, a single connection serializes all writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the facts and conflicts tables.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id         TEXT PRIMARY KEY,
			key        TEXT    NOT NULL,
			value      TEXT    NOT NULL,
			run_id     TEXT    NOT NULL,
			task       TEXT,
			tool       TEXT,
			timestamp  INTEGER NOT NULL,
			confidence REAL    NOT NULL,
			ord        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			idx        INTEGER PRIMARY KEY,
			key        TEXT    NOT NULL,
			fact_a     INTEGER NOT NULL,
			fact_b     INTEGER NOT NULL,
			resolved   INTEGER NOT NULL,
			resolution TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_facts_key ON facts (key, ord)`
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create facts index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// AppendFact persists one fact. Insertion order is preserved via a
// monotonic ordinal so LoadFacts rebuilds arenas in the original order.
func (s *Store) AppendFact(ctx context.Context, f kiln.Fact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, key, value, run_id, task, tool, timestamp, confidence, ord)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(ord), -1) + 1 FROM facts))`,
		f.ID, f.Key, f.Value, f.Provenance.RunID, f.Provenance.Task, f.Provenance.Tool,
		f.Provenance.Timestamp.UnixMilli(), f.Confidence)
	if err != nil {
		return fmt.Errorf("append fact %s: %w", f.ID, err)
	}
	s.logger.Debug("sqlite: fact appended", "key", f.Key, "id", f.ID)
	return nil
}

// AppendConflict persists a new conflict under its creation index.
func (s *Store) AppendConflict(ctx context.Context, index int, c kiln.Conflict) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (idx, key, fact_a, fact_b, resolved, resolution) VALUES (?, ?, ?, ?, ?, ?)`,
		index, c.Key, c.FactA, c.FactB, boolToInt(c.Resolved), c.Resolution)
	if err != nil {
		return fmt.Errorf("append conflict %d: %w", index, err)
	}
	return nil
}

// UpdateConflict rewrites the conflict at index, typically on resolution.
func (s *Store) UpdateConflict(ctx context.Context, index int, c kiln.Conflict) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved = ?, resolution = ? WHERE idx = ?`,
		boolToInt(c.Resolved), c.Resolution, index)
	if err != nil {
		return fmt.Errorf("update conflict %d: %w", index, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conflict %d: %w", index, err)
	}
	if n == 0 {
		return fmt.Errorf("update conflict %d: not found", index)
	}
	return nil
}

// LoadFacts returns all facts in insertion order.
func (s *Store) LoadFacts(ctx context.Context) ([]kiln.Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, value, run_id, task, tool, timestamp, confidence FROM facts ORDER BY ord`)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var out []kiln.Fact
	for rows.Next() {
		var (
			f       kiln.Fact
			task    sql.NullString
			tool    sql.NullString
			tsMilli int64
		)
		if err := rows.Scan(&f.ID, &f.Key, &f.Value, &f.Provenance.RunID, &task, &tool, &tsMilli, &f.Confidence); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Provenance.Task = task.String
		f.Provenance.Tool = tool.String
		f.Provenance.Timestamp = millisToUTC(tsMilli)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}

// LoadConflicts returns all conflicts ordered by creation index.
func (s *Store) LoadConflicts(ctx context.Context) ([]kiln.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, fact_a, fact_b, resolved, resolution FROM conflicts ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("load conflicts: %w", err)
	}
	defer rows.Close()

	var out []kiln.Conflict
	for rows.Next() {
		var (
			c          kiln.Conflict
			resolved   int
			resolution sql.NullString
		)
		if err := rows.Scan(&c.Key, &c.FactA, &c.FactB, &resolved, &resolution); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.Resolved = resolved != 0
		c.Resolution = resolution.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

func millisToUTC(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
