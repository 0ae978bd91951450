// Package sqlite implements kiln.EventLog backed by pure-Go SQLite.
// Zero CGO required. One database file holds any number of runs; the
// (run_id, seq) primary key enforces the append-only log's uniqueness
// invariant at the storage layer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/kiln"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// LogOption configures a SQLite Log.
type LogOption func(*Log)

// WithLogger sets a structured logger for the log. When set, the log
// emits debug output for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) LogOption {
	return func(s *Log) { s.logger = l }
}

// Log implements kiln.EventLog backed by a local SQLite file. Payloads
// are stored as canonical JSON text, so identical payloads are
// byte-identical at rest.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ kiln.EventLog = (*Log)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Log using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...LogOption) *Log {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Log{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: event log opened", "path", dbPath)
	return s
}

// Init creates the events table and switches the database to WAL mode so
// readers never block on the single writer connection.
func (s *Log) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS events (
		run_id    TEXT    NOT NULL,
		seq       INTEGER NOT NULL,
		timestamp TEXT    NOT NULL,
		kind      TEXT    NOT NULL,
		payload   TEXT    NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events (run_id, kind)`
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create kind index: %w", err)
	}
	s.logger.Debug("sqlite: init finished", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Log) Close() error { return s.db.Close() }

// Append persists one event. The primary key rejects duplicate
// (run_id, seq) pairs, which only happen on an emitter bug.
func (s *Log) Append(ctx context.Context, ev kiln.Event) error {
	payload, err := kiln.CanonicalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, timestamp, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	s.logger.Debug("sqlite: event appended", "run_id", ev.RunID, "seq", ev.Seq, "kind", string(ev.Kind))
	return nil
}

// QueryByRun returns the run's full event sequence ordered by seq.
func (s *Log) QueryByRun(ctx context.Context, runID string) ([]kiln.Event, error) {
	return s.query(ctx,
		`SELECT run_id, seq, timestamp, kind, payload FROM events WHERE run_id = ? ORDER BY seq`,
		runID)
}

// QueryByKind returns the run's events of one kind, ordered by seq.
func (s *Log) QueryByKind(ctx context.Context, runID string, kind kiln.Kind) ([]kiln.Event, error) {
	return s.query(ctx,
		`SELECT run_id, seq, timestamp, kind, payload FROM events WHERE run_id = ? AND kind = ? ORDER BY seq`,
		runID, string(kind))
}

// Replay is an alias for QueryByRun that signals reconstruction intent.
func (s *Log) Replay(ctx context.Context, runID string) ([]kiln.Event, error) {
	return s.QueryByRun(ctx, runID)
}

func (s *Log) query(ctx context.Context, q string, args ...any) ([]kiln.Event, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []kiln.Event
	for rows.Next() {
		var (
			ev      kiln.Event
			ts      string
			kind    string
			payload string
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ts, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %s/%d: %w", ev.RunID, ev.Seq, err)
		}
		ev.Timestamp = parsed.UTC()
		ev.Kind = kiln.Kind(kind)
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s/%d: %w", ev.RunID, ev.Seq, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	s.logger.Debug("sqlite: events queried", "rows", len(out), "duration", time.Since(start))
	return out, nil
}
