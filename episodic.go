package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunSummary is what episodic memory remembers about one run: the
// shape of what happened, derived entirely from the event sequence.
type RunSummary struct {
	RunID           string
	Workflow        string
	Outcome         Outcome
	Finished        bool
	StartedAt       time.Time
	FinishedAt      time.Time
	EventCount      int
	TasksStarted    int
	TasksSucceeded  int
	TasksFailed     int
	ToolCalls       int
	FirstFailedTask string
}

// EpisodicMemory derives run summaries from the event log. Summaries are
// memoized per run ID; Invalidate purges one entry, for runs that gained
// events after being summarized.
type EpisodicMemory struct {
	log    EventLog
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*RunSummary
}

// EpisodicOption configures an EpisodicMemory.
type EpisodicOption func(*EpisodicMemory)

// WithEpisodicLogger sets a structured logger. Defaults to no output.
func WithEpisodicLogger(l *slog.Logger) EpisodicOption {
	return func(m *EpisodicMemory) { m.logger = l }
}

// NewEpisodicMemory creates an EpisodicMemory over log.
func NewEpisodicMemory(log EventLog, opts ...EpisodicOption) *EpisodicMemory {
	m := &EpisodicMemory{
		log:    log,
		logger: nopLogger,
		cache:  make(map[string]*RunSummary),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Summarize returns the run's summary, computing and memoizing it on
// first request.
func (m *EpisodicMemory) Summarize(ctx context.Context, runID string) (*RunSummary, error) {
	m.mu.Lock()
	if cached, ok := m.cache[runID]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	events, err := m.log.QueryByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("episodic: run %s has no events", runID)
	}

	summary := summarizeEvents(runID, events)

	m.mu.Lock()
	m.cache[runID] = summary
	m.mu.Unlock()
	m.logger.Debug("summarized run", "run_id", runID, "events", summary.EventCount, "outcome", string(summary.Outcome))
	return summary, nil
}

// Invalidate purges the memoized summary for runID.
func (m *EpisodicMemory) Invalidate(runID string) {
	m.mu.Lock()
	delete(m.cache, runID)
	m.mu.Unlock()
}

func summarizeEvents(runID string, events []Event) *RunSummary {
	s := &RunSummary{
		RunID:      runID,
		EventCount: len(events),
		StartedAt:  events[0].Timestamp,
		FinishedAt: events[len(events)-1].Timestamp,
	}
	for _, ev := range events {
		switch ev.Kind {
		case KindRunStarted:
			if wf, ok := ev.Payload["workflow"].(string); ok {
				s.Workflow = wf
			}
		case KindRunFinished:
			s.Finished = true
			if outcome, ok := ev.Payload["outcome"].(string); ok {
				s.Outcome = Outcome(outcome)
			}
		case KindTaskStarted:
			s.TasksStarted++
		case KindTaskFinished:
			state, _ := ev.Payload["state"].(string)
			switch TaskState(state) {
			case TaskSucceeded:
				s.TasksSucceeded++
			case TaskFailed:
				s.TasksFailed++
				if s.FirstFailedTask == "" {
					if name, ok := ev.Payload["name"].(string); ok {
						s.FirstFailedTask = name
					}
				}
			}
		case KindToolCallStarted:
			s.ToolCalls++
		}
	}
	return s
}
