// Package postgres implements kiln.EventLog using PostgreSQL, for
// deployments where several processes append to one shared log.
//
// Log accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/kiln"
)

// Log implements kiln.EventLog backed by PostgreSQL. Payloads are stored
// as canonical JSON text and timestamps as ISO-8601 UTC strings, so rows
// are byte-identical across backends; the (run_id, seq) primary key
// enforces uniqueness across all writers.
type Log struct {
	pool *pgxpool.Pool
}

var _ kiln.EventLog = (*Log)(nil)

// New creates a Log using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Log {
	return &Log{pool: pool}
}

// Init creates the events table and indexes.
func (s *Log) Init(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS events (
		run_id    TEXT   NOT NULL,
		seq       BIGINT NOT NULL,
		timestamp TEXT   NOT NULL,
		kind      TEXT   NOT NULL,
		payload   TEXT   NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events (run_id, kind)`
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create kind index: %w", err)
	}
	return nil
}

// Append persists one event.
func (s *Log) Append(ctx context.Context, ev kiln.Event) error {
	payload, err := kiln.CanonicalJSON(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (run_id, seq, timestamp, kind, payload) VALUES ($1, $2, $3, $4, $5)`,
		ev.RunID, ev.Seq, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

// QueryByRun returns the run's full event sequence ordered by seq.
func (s *Log) QueryByRun(ctx context.Context, runID string) ([]kiln.Event, error) {
	return s.query(ctx,
		`SELECT run_id, seq, timestamp, kind, payload FROM events WHERE run_id = $1 ORDER BY seq`,
		runID)
}

// QueryByKind returns the run's events of one kind, ordered by seq.
func (s *Log) QueryByKind(ctx context.Context, runID string, kind kiln.Kind) ([]kiln.Event, error) {
	return s.query(ctx,
		`SELECT run_id, seq, timestamp, kind, payload FROM events WHERE run_id = $1 AND kind = $2 ORDER BY seq`,
		runID, string(kind))
}

// Replay is an alias for QueryByRun that signals reconstruction intent.
func (s *Log) Replay(ctx context.Context, runID string) ([]kiln.Event, error) {
	return s.QueryByRun(ctx, runID)
}

func (s *Log) query(ctx context.Context, q string, args ...any) ([]kiln.Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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
	return out, nil
}
