package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

// DAG is a named set of tasks plus dependency edges. Membership and
// acyclicity are checked by Validate before execution.
type DAG struct {
	Name string

	tasks map[string]*Task
	order []string // insertion order, for deterministic iteration
}

// NewDAG creates an empty DAG.
func NewDAG(name string) *DAG {
	return &DAG{Name: name, tasks: make(map[string]*Task)}
}

// Add registers a task. Duplicate IDs are rejected.
func (d *DAG) Add(t *Task) error {
	if _, exists := d.tasks[t.ID]; exists {
		return fmt.Errorf("dag %s: duplicate task id %q", d.Name, t.ID)
	}
	d.tasks[t.ID] = t
	d.order = append(d.order, t.ID)
	return nil
}

// Task returns the task registered under id.
func (d *DAG) Task(id string) (*Task, bool) {
	t, ok := d.tasks[id]
	return t, ok
}

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.tasks) }

// Validate rejects dependency references to tasks outside the set, then
// cycles (Kahn's algorithm). The two failure modes carry distinct
// messages so callers can tell a dangling edge from a loop.
func (d *DAG) Validate() error {
	for _, id := range d.order {
		for _, dep := range d.tasks[id].DependsOn {
			if _, ok := d.tasks[dep]; !ok {
				return &TaskExecutionError{
					Message: fmt.Sprintf("dag %s: task %q depends on unknown task %q", d.Name, id, dep),
				}
			}
		}
	}
	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns a dependency-respecting order over task IDs.
// Ties are broken lexicographically by ID, so the result is deterministic
// across calls and processes. Returns an error when the graph has a cycle.
func (d *DAG) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(d.tasks))
	dependents := make(map[string][]string)
	for _, id := range d.order {
		inDegree[id] = len(d.tasks[id].DependsOn)
		for _, dep := range d.tasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range d.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(d.tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				// Insert keeping the ready queue sorted.
				i := sort.SearchStrings(ready, next)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = next
			}
		}
	}

	if len(out) != len(d.tasks) {
		return nil, &TaskExecutionError{
			Message: fmt.Sprintf("dag %s: cycle detected in task dependencies", d.Name),
		}
	}
	return out, nil
}

// DAGEngine executes a DAG with bounded parallelism. Events from parallel
// tasks share one run-level sequence counter; each seq is allocated at
// append time, so persisted order reflects actual append order. On the
// first task failure no new tasks are submitted, but in-flight tasks are
// allowed to finish — observability over cleanup.
type DAGEngine struct {
	log         EventLog
	maxParallel int
	logger      *slog.Logger
	tracer      Tracer
	stop        *atomic.Bool
}

// DAGOption configures a DAGEngine.
type DAGOption func(*DAGEngine)

// WithMaxParallel bounds simultaneous task executions. Defaults to 4.
func WithMaxParallel(n int) DAGOption {
	return func(e *DAGEngine) { e.maxParallel = n }
}

// WithDAGLogger sets a structured logger. Defaults to no output.
func WithDAGLogger(l *slog.Logger) DAGOption {
	return func(e *DAGEngine) { e.logger = l }
}

// WithDAGTracer sets a tracer for run spans.
func WithDAGTracer(t Tracer) DAGOption {
	return func(e *DAGEngine) { e.tracer = t }
}

// WithStopFlag installs a cooperative cancellation flag. The engine
// observes it between task submissions; in-flight tasks are not
// interrupted. Used by the session orchestrator.
func WithStopFlag(stop *atomic.Bool) DAGOption {
	return func(e *DAGEngine) { e.stop = stop }
}

// NewDAGEngine creates an engine writing to log.
func NewDAGEngine(log EventLog, opts ...DAGOption) *DAGEngine {
	e := &DAGEngine{log: log, maxParallel: 4, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxParallel <= 0 {
		e.maxParallel = 1
	}
	return e
}

// Run validates and executes the DAG under a fresh run ID.
func (e *DAGEngine) Run(ctx context.Context, d *DAG) (string, error) {
	return e.RunWithID(ctx, d, NewRunID())
}

// RunWithID validates and executes the DAG under a caller-chosen run ID.
func (e *DAGEngine) RunWithID(ctx context.Context, d *DAG, runID string) (string, error) {
	if err := d.Validate(); err != nil {
		return runID, err
	}

	em := NewEmitter(e.log, runID)

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "kiln.dag.run",
			StringAttr("workflow", d.Name),
			StringAttr("run_id", runID),
			IntAttr("task_count", d.Len()),
			IntAttr("max_parallel", e.maxParallel))
		defer span.End()
	}

	if _, err := em.Emit(ctx, KindRunStarted, map[string]any{
		"workflow":     d.Name,
		"task_count":   d.Len(),
		"max_parallel": e.maxParallel,
	}); err != nil {
		return runID, err
	}
	e.logger.Info("dag run started", "workflow", d.Name, "run_id", runID, "tasks", d.Len())

	var (
		results  = make(chan *Task, d.Len())
		inflight = 0
		failed   *Task
		emitErr  error
		stopped  bool
	)

	submit := func(t *Task) {
		inflight++
		go func() {
			e.runTask(ctx, em, t)
			results <- t
		}()
	}

	for {
		// Submit ready tasks unless a failure, append error, or stop flag
		// has closed the gate.
		if failed == nil && emitErr == nil && !stopped {
			if e.stop != nil && e.stop.Load() {
				stopped = true
			} else {
				for _, id := range d.order {
					if inflight >= e.maxParallel {
						break
					}
					t := d.tasks[id]
					if t.State() != TaskPending || !e.depsSucceeded(d, t) {
						continue
					}
					if err := t.setState(TaskReady); err != nil {
						return runID, err
					}
					submit(t)
				}
			}
		}

		if inflight == 0 {
			break
		}

		t := <-results
		inflight--
		if t.State() == TaskFailed {
			if failed == nil {
				failed = t
			}
		}
		if appendFailure := t.takeAppendErr(); appendFailure != nil && emitErr == nil {
			emitErr = appendFailure
		}
	}

	if emitErr != nil {
		return runID, emitErr
	}

	switch {
	case failed != nil:
		if _, err := em.Emit(ctx, KindRunFinished, map[string]any{
			"outcome":      string(OutcomeFailed),
			"failed_tasks": []any{failed.Name},
		}); err != nil {
			return runID, err
		}
		e.logger.Warn("dag run failed", "workflow", d.Name, "task", failed.Name, "error", failed.Err())
		return runID, &TaskExecutionError{
			Task:    failed.Name,
			Message: fmt.Sprintf("execution failed: %v", failed.Err()),
			Cause:   failed.Err(),
		}
	case stopped && e.hasPending(d):
		if _, err := em.Emit(ctx, KindRunFinished, map[string]any{
			"outcome": string(OutcomeStopped),
		}); err != nil {
			return runID, err
		}
		e.logger.Info("dag run stopped", "workflow", d.Name, "run_id", runID)
		return runID, nil
	default:
		if _, err := em.Emit(ctx, KindRunFinished, map[string]any{
			"outcome": string(OutcomeSucceeded),
		}); err != nil {
			return runID, err
		}
		e.logger.Info("dag run finished", "workflow", d.Name, "run_id", runID)
		return runID, nil
	}
}

// runTask executes one task end to end, emitting its Started/Finished
// pair. Append failures are recorded on the task for the scheduler to
// surface; the run aborts once in-flight work drains.
func (e *DAGEngine) runTask(ctx context.Context, em *Emitter, t *Task) {
	if err := t.setState(TaskRunning); err != nil {
		t.setAppendErr(err)
		return
	}
	if _, err := em.Emit(ctx, KindTaskStarted, map[string]any{
		"task_id": t.ID,
		"name":    t.Name,
	}); err != nil {
		t.setAppendErr(err)
		t.fail(err)
		return
	}

	result, taskErr := t.Run(ctx)
	if taskErr != nil {
		t.fail(taskErr)
		if _, err := em.Emit(ctx, KindTaskFinished, map[string]any{
			"task_id": t.ID,
			"name":    t.Name,
			"state":   string(TaskFailed),
			"error":   taskErr.Error(),
		}); err != nil {
			t.setAppendErr(err)
		}
		return
	}

	t.succeed(result)
	if _, err := em.Emit(ctx, KindTaskFinished, map[string]any{
		"task_id": t.ID,
		"name":    t.Name,
		"state":   string(TaskSucceeded),
	}); err != nil {
		t.setAppendErr(err)
	}
}

func (e *DAGEngine) depsSucceeded(d *DAG, t *Task) bool {
	for _, dep := range t.DependsOn {
		if d.tasks[dep].State() != TaskSucceeded {
			return false
		}
	}
	return true
}

func (e *DAGEngine) hasPending(d *DAG) bool {
	for _, id := range d.order {
		if d.tasks[id].State() == TaskPending {
			return true
		}
	}
	return false
}
