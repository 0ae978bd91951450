package kiln

import (
	"context"
	"fmt"
	"sync"
)

// TaskState is the lifecycle state of a task. Legal transitions are
// Pending -> Ready -> Running -> Succeeded or Failed; Skipped may replace
// any non-terminal state. Terminal states never mutate.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
)

// terminal reports whether a state permits no further transitions.
func (s TaskState) terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// Task is a unit of work owned by exactly one executor for the duration of
// a run. Run is the opaque invocation; Result and Err are populated on
// completion.
type Task struct {
	// ID is a stable opaque identifier, unique within its workflow or DAG.
	ID string
	// Name is the human-readable label carried in event payloads.
	Name string
	// DependsOn lists IDs of tasks that must succeed first. Ignored by the
	// linear engine, which runs tasks in declared order.
	DependsOn []string
	// Run performs the work. A non-nil error fails the task.
	Run func(ctx context.Context) (map[string]any, error)

	mu        sync.Mutex
	state     TaskState
	result    map[string]any
	err       error
	appendErr error
}

// NewTask creates a Pending task with a generated ID.
func NewTask(name string, run func(ctx context.Context) (map[string]any, error), deps ...string) *Task {
	return &Task{
		ID:        NewTaskID(),
		Name:      name,
		DependsOn: deps,
		Run:       run,
		state:     TaskPending,
	}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == "" {
		return TaskPending
	}
	return t.state
}

// Result returns the task's output, nil unless Succeeded.
func (t *Task) Result() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure cause, nil unless Failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// setState transitions the task, rejecting mutation of terminal states.
func (t *Task) setState(next TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return fmt.Errorf("task %q: illegal transition %s -> %s", t.ID, t.state, next)
	}
	t.state = next
	return nil
}

func (t *Task) succeed(result map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TaskSucceeded
	t.result = result
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TaskFailed
	t.err = err
}

// setAppendErr records a log append failure observed while emitting this
// task's events. The scheduler surfaces it and aborts the run.
func (t *Task) setAppendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appendErr == nil {
		t.appendErr = err
	}
}

func (t *Task) takeAppendErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendErr
}
