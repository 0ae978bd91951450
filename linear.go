package kiln

import (
	"context"
	"fmt"
	"log/slog"
)

// Workflow is an ordered list of tasks for the linear engine.
type Workflow struct {
	Name  string
	Tasks []*Task
}

// NewLinearWorkflow builds a Workflow from tasks in declared order.
func NewLinearWorkflow(name string, tasks ...*Task) *Workflow {
	return &Workflow{Name: name, Tasks: tasks}
}

// LinearEngine executes a workflow's tasks strictly in declared order,
// single-threaded, emitting the canonical sequence
// RunStarted (TaskStarted TaskFinished)+ RunFinished. The first task
// failure terminates the run; remaining tasks stay Pending.
type LinearEngine struct {
	log    EventLog
	logger *slog.Logger
	tracer Tracer
}

// LinearOption configures a LinearEngine.
type LinearOption func(*LinearEngine)

// WithLinearLogger sets a structured logger. Defaults to no output.
func WithLinearLogger(l *slog.Logger) LinearOption {
	return func(e *LinearEngine) { e.logger = l }
}

// WithLinearTracer sets a tracer for run and task spans.
func WithLinearTracer(t Tracer) LinearOption {
	return func(e *LinearEngine) { e.tracer = t }
}

// NewLinearEngine creates an engine writing to log.
func NewLinearEngine(log EventLog, opts ...LinearOption) *LinearEngine {
	e := &LinearEngine{log: log, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the workflow under a fresh run ID and returns it. The run
// ID is returned even on failure so callers can inspect the event trail.
func (e *LinearEngine) Run(ctx context.Context, wf *Workflow) (string, error) {
	return e.RunWithID(ctx, wf, NewRunID())
}

// RunWithID executes the workflow under a caller-chosen run ID.
func (e *LinearEngine) RunWithID(ctx context.Context, wf *Workflow, runID string) (string, error) {
	em := NewEmitter(e.log, runID)

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "kiln.linear.run",
			StringAttr("workflow", wf.Name), StringAttr("run_id", runID))
		defer span.End()
	}

	if _, err := em.Emit(ctx, KindRunStarted, map[string]any{
		"workflow":   wf.Name,
		"task_count": len(wf.Tasks),
	}); err != nil {
		return runID, err
	}
	e.logger.Info("linear run started", "workflow", wf.Name, "run_id", runID)

	for _, t := range wf.Tasks {
		if err := t.setState(TaskReady); err != nil {
			return runID, err
		}
		if err := t.setState(TaskRunning); err != nil {
			return runID, err
		}
		if _, err := em.Emit(ctx, KindTaskStarted, map[string]any{
			"task_id": t.ID,
			"name":    t.Name,
		}); err != nil {
			return runID, err
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
				return runID, err
			}
			if _, err := em.Emit(ctx, KindRunFinished, map[string]any{
				"outcome":     string(OutcomeFailed),
				"failed_task": t.Name,
			}); err != nil {
				return runID, err
			}
			e.logger.Warn("linear run failed", "workflow", wf.Name, "task", t.Name, "error", taskErr)
			return runID, &TaskExecutionError{
				Task:    t.Name,
				Message: fmt.Sprintf("execution failed: %v", taskErr),
				Cause:   taskErr,
			}
		}

		t.succeed(result)
		if _, err := em.Emit(ctx, KindTaskFinished, map[string]any{
			"task_id": t.ID,
			"name":    t.Name,
			"state":   string(TaskSucceeded),
		}); err != nil {
			return runID, err
		}
	}

	if _, err := em.Emit(ctx, KindRunFinished, map[string]any{
		"outcome": string(OutcomeSucceeded),
	}); err != nil {
		return runID, err
	}
	e.logger.Info("linear run finished", "workflow", wf.Name, "run_id", runID)
	return runID, nil
}
