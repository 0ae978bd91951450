package kiln

import (
	"context"
	"fmt"
	"log/slog"
)

// ToolExecutor re-runs a recorded tool call during replay. It receives
// the tool name and the recorded input and returns fresh output.
type ToolExecutor func(ctx context.Context, tool string, input map[string]any) (map[string]any, error)

// ReplayResult is a run reconstructed from its event log: the full event
// sequence plus every tool output keyed by the ToolCallFinished seq.
type ReplayResult struct {
	RunID       string
	Events      []Event
	ToolOutputs map[int64]map[string]any
	Finished    bool
	Outcome     Outcome
}

// RunComparison reports structural similarity of two runs.
type RunComparison struct {
	RunA          string
	RunB          string
	EventCountA   int
	EventCountB   int
	SameStructure bool
}

// Replayer reconstructs runs from the event log. Strict replay only
// reads; ReplayWithExecution re-invokes side-effect-free tools and
// overlays their fresh outputs for drift detection.
type Replayer struct {
	log    EventLog
	logger *slog.Logger
	tracer Tracer
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithReplayerLogger sets a structured logger. Defaults to no output.
func WithReplayerLogger(l *slog.Logger) ReplayerOption {
	return func(r *Replayer) { r.logger = l }
}

// WithReplayerTracer sets a tracer for replay spans.
func WithReplayerTracer(t Tracer) ReplayerOption {
	return func(r *Replayer) { r.tracer = t }
}

// NewReplayer creates a Replayer over log.
func NewReplayer(log EventLog, opts ...ReplayerOption) *Replayer {
	r := &Replayer{log: log, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay reconstructs runID strictly from recorded events. A run is
// Finished iff a terminal RunFinished is present; its outcome comes from
// that event's payload.
func (r *Replayer) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	events, err := r.log.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &ReplayError{RunID: runID, Message: "no events recorded"}
	}

	result := &ReplayResult{
		RunID:       runID,
		Events:      events,
		ToolOutputs: make(map[int64]map[string]any),
	}
	for _, ev := range events {
		switch ev.Kind {
		case KindToolCallFinished:
			result.ToolOutputs[ev.Seq] = ev.Payload
		case KindRunFinished:
			result.Finished = true
			if outcome, ok := ev.Payload["outcome"].(string); ok {
				result.Outcome = Outcome(outcome)
			}
		}
	}
	r.logger.Info("replayed run", "run_id", runID, "events", len(events), "tool_calls", len(result.ToolOutputs))
	return result, nil
}

// ReplayWithExecution replays runID and re-invokes exec for every tool
// call whose ToolCallStarted payload declares side_effect PURE. The fresh
// output replaces the recorded payload in ToolOutputs, tagged
// reexecuted: true. Tools with any other side effect keep their recorded
// outputs. A re-execution failure aborts the replay.
func (r *Replayer) ReplayWithExecution(ctx context.Context, runID string, exec ToolExecutor) (*ReplayResult, error) {
	result, err := r.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "kiln.replay.execute", StringAttr("run_id", runID))
		defer span.End()
	}

	// A ToolCallStarted's output lives in the next ToolCallFinished;
	// executors emit the pair under one mutex, so pairing by order within
	// the run is sound.
	var pending *Event
	for i := range result.Events {
		ev := &result.Events[i]
		switch ev.Kind {
		case KindToolCallStarted:
			pending = ev
		case KindToolCallFinished:
			if pending == nil {
				continue
			}
			started := pending
			pending = nil
			if se, _ := started.Payload["side_effect"].(string); se != string(SideEffectPure) {
				continue
			}
			tool, _ := started.Payload["tool"].(string)
			input, _ := started.Payload["input"].(map[string]any)

			output, execErr := exec(ctx, tool, input)
			if execErr != nil {
				return nil, &ReplayError{
					RunID: runID,
					Seq:   started.Seq,
					Message: fmt.Sprintf("re-execution of tool %q failed: %v", tool, execErr),
				}
			}
			outputHash, hashErr := HashJSON(output)
			if hashErr != nil {
				return nil, &ReplayError{
					RunID:   runID,
					Seq:     started.Seq,
					Message: fmt.Sprintf("hash re-executed output of %q: %v", tool, hashErr),
				}
			}
			result.ToolOutputs[ev.Seq] = map[string]any{
				"tool":        tool,
				"success":     true,
				"output":      output,
				"output_hash": outputHash,
				"reexecuted":  true,
			}
			r.logger.Debug("re-executed tool call", "run_id", runID, "seq", ev.Seq, "tool", tool)
		}
	}
	return result, nil
}

// CompareRuns reports whether two runs have element-wise equal kind
// sequences, along with their event counts.
func (r *Replayer) CompareRuns(ctx context.Context, runA, runB string) (*RunComparison, error) {
	eventsA, err := r.log.QueryByRun(ctx, runA)
	if err != nil {
		return nil, err
	}
	eventsB, err := r.log.QueryByRun(ctx, runB)
	if err != nil {
		return nil, err
	}

	cmp := &RunComparison{
		RunA:        runA,
		RunB:        runB,
		EventCountA: len(eventsA),
		EventCountB: len(eventsB),
	}
	cmp.SameStructure = len(eventsA) == len(eventsB)
	if cmp.SameStructure {
		for i := range eventsA {
			if eventsA[i].Kind != eventsB[i].Kind {
				cmp.SameStructure = false
				break
			}
		}
	}
	return cmp, nil
}
