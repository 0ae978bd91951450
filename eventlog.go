package kiln

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLog is an in-process EventLog for tests, replay tooling, and
// ephemeral runs. It is not durable across restarts; use store/sqlite or
// store/postgres for persistence.
type MemoryLog struct {
	mu   sync.RWMutex
	runs map[string][]Event
	seqs map[string]map[int64]struct{}
}

var _ EventLog = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		runs: make(map[string][]Event),
		seqs: make(map[string]map[int64]struct{}),
	}
}

// Append stores the event. A duplicate (run_id, seq) fails.
func (l *MemoryLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := l.seqs[ev.RunID]
	if seen == nil {
		seen = make(map[int64]struct{})
		l.seqs[ev.RunID] = seen
	}
	if _, dup := seen[ev.Seq]; dup {
		return fmt.Errorf("memlog: duplicate event (%s, %d)", ev.RunID, ev.Seq)
	}
	seen[ev.Seq] = struct{}{}
	l.runs[ev.RunID] = append(l.runs[ev.RunID], ev)
	return nil
}

// QueryByRun returns a copy of the run's events ordered by seq.
func (l *MemoryLog) QueryByRun(_ context.Context, runID string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evs := l.runs[runID]
	out := make([]Event, len(evs))
	copy(out, evs)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// QueryByKind returns the run's events of one kind, ordered by seq.
func (l *MemoryLog) QueryByKind(ctx context.Context, runID string, kind Kind) ([]Event, error) {
	evs, err := l.QueryByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range evs {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Replay is an alias for QueryByRun.
func (l *MemoryLog) Replay(ctx context.Context, runID string) ([]Event, error) {
	return l.QueryByRun(ctx, runID)
}
