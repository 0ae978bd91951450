package kiln

import "fmt"

// BudgetExceededError is returned by BudgetManager.Check when a usage field
// has reached its limit. Limit names the first exceeded field in check order.
type BudgetExceededError struct {
	Limit string
	Usage BudgetUsage
	Spec  BudgetSpec
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (usage %s)", e.Limit, e.Usage)
}

// PermissionDeniedError is returned by PermissionPolicy.Check when the
// evaluated rule (or the default) denies a tool's side-effect class.
type PermissionDeniedError struct {
	Tool       string
	SideEffect SideEffect
	Reason     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for tool %q (%s): %s", e.Tool, e.SideEffect, e.Reason)
}

// TaskExecutionError is returned by the workflow engines for graph
// validation failures and task failures. Task is empty for validation
// errors, which happen before any task runs.
type TaskExecutionError struct {
	Task    string
	Message string
	Cause   error
}

func (e *TaskExecutionError) Error() string {
	if e.Task == "" {
		return e.Message
	}
	return fmt.Sprintf("task %q: %s", e.Task, e.Message)
}

func (e *TaskExecutionError) Unwrap() error { return e.Cause }

// ValidationError is returned by Schema.Validate when a value does not
// conform to the schema. Path locates the offending field ("" = root).
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation at %s: %s", e.Path, e.Message)
}

// ParseError is returned when a model response does not conform to the
// agent action protocol. Raw carries the offending response verbatim.
type ParseError struct {
	Raw     string
	Message string
}

func (e *ParseError) Error() string { return "parse: " + e.Message }

// ReplayError is returned by the replay engine when a recorded run cannot
// be reconstructed, or a re-executed tool fails.
type ReplayError struct {
	RunID   string
	Seq     int64
	Message string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay run %s seq %d: %s", e.RunID, e.Seq, e.Message)
}
