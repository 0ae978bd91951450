package kiln

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind identifies an event's type. The set is closed: executors and
// governance only ever emit the kinds declared here, and the replay and
// memory layers rely on that.
type Kind string

const (
	KindRunStarted           Kind = "RunStarted"
	KindRunFinished          Kind = "RunFinished"
	KindTaskStarted          Kind = "TaskStarted"
	KindTaskFinished         Kind = "TaskFinished"
	KindToolCallStarted      Kind = "ToolCallStarted"
	KindToolCallFinished     Kind = "ToolCallFinished"
	KindBudgetUpdated        Kind = "BudgetUpdated"
	KindBudgetExceeded       Kind = "BudgetExceeded"
	KindPolicyDecision       Kind = "PolicyDecision"
	KindStopCondition        Kind = "StopCondition"
	KindAgentStepStarted     Kind = "AgentStepStarted"
	KindAgentStepFinished    Kind = "AgentStepFinished"
	KindLMCallStarted        Kind = "LMCallStarted"
	KindLMCallFinished       Kind = "LMCallFinished"
	KindRLMIterationStarted  Kind = "RLMIterationStarted"
	KindRLMIterationFinished Kind = "RLMIterationFinished"
	KindREPLExecStarted      Kind = "REPLExecStarted"
	KindREPLExecFinished     Kind = "REPLExecFinished"
	KindSessionStarted       Kind = "SessionStarted"
	KindSessionFinished      Kind = "SessionFinished"
)

// Outcome is the terminal status carried by RunFinished and
// SessionFinished payloads.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "SUCCEEDED"
	OutcomeFailed         Outcome = "FAILED"
	OutcomeBudgetExceeded Outcome = "BUDGET_EXCEEDED"
	OutcomeStopped        Outcome = "STOPPED"
	OutcomeMaxIterations  Outcome = "MAX_ITERATIONS"
	OutcomeMaxSteps       Outcome = "MAX_STEPS"
	OutcomeTooManyErrors  Outcome = "TOO_MANY_ERRORS"
)

// Event is an immutable record in a run's append-only log.
// (RunID, Seq) is the primary key; Seq values within a run form a dense
// series 0..N-1 allocated by the emitting executor, not by the log.
type Event struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`
}

// EventLog is the kernel's single source of truth. Append must be atomic
// and durable: once it returns nil the event is recoverable across process
// restarts. Append must be safe for concurrent callers; readers may proceed
// concurrently with writers and see every event appended before the read
// began. Executors that cannot append must abort their run.
type EventLog interface {
	// Append persists one event. Inserting a duplicate (run_id, seq) is a
	// programmer bug and fails with an error.
	Append(ctx context.Context, ev Event) error
	// QueryByRun returns a run's full event sequence ordered by seq.
	QueryByRun(ctx context.Context, runID string) ([]Event, error)
	// QueryByKind returns the run's events of one kind, ordered by seq.
	QueryByKind(ctx context.Context, runID string, kind Kind) ([]Event, error)
	// Replay is an alias for QueryByRun that signals reconstruction intent.
	Replay(ctx context.Context, runID string) ([]Event, error)
}

// Emitter allocates dense sequence numbers for one run and appends events
// to the log. Exactly one Emitter exists per run; parallel DAG tasks share
// it, so allocation and append happen under one mutex and the persisted
// order reflects actual append order.
type Emitter struct {
	log   EventLog
	runID string

	mu  sync.Mutex
	seq int64
}

// NewEmitter creates an Emitter for runID writing to log.
func NewEmitter(log EventLog, runID string) *Emitter {
	return &Emitter{log: log, runID: runID}
}

// RunID returns the run this emitter is bound to.
func (e *Emitter) RunID() string { return e.runID }

// Seq returns the next sequence number that Emit would allocate.
func (e *Emitter) Seq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Emit appends an event of the given kind, allocating the next sequence
// number. The timestamp is taken at append time in UTC at millisecond
// precision. A failed append leaves the counter unchanged so the sequence
// stays dense.
func (e *Emitter) Emit(ctx context.Context, kind Kind, payload map[string]any) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := Event{
		RunID:     e.runID,
		Seq:       e.seq,
		Timestamp: NowUTC(),
		Kind:      kind,
		Payload:   payload,
	}
	if err := e.log.Append(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("emit %s: %w", kind, err)
	}
	e.seq++
	return ev, nil
}
