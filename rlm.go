package kiln

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const defaultRLMSystemPrompt = `You are solving a task by writing short code snippets.
Respond with code only. Statements are one per line: assignments like
name = expr, or bare calls. Available: arithmetic, comparisons, strings,
lists, and the functions len, str, int, float, abs, min, max, sum, round,
upper, lower, split, join, contains, range, sorted, print, and
lm_query(text) which asks a language model a sub-question and returns its
answer as a string. When you have the answer, assign it to FINAL.`

// RLMResult is the terminal state of one recursive-LM run.
type RLMResult struct {
	RunID      string
	Outcome    Outcome
	FinalValue string
	Iterations int
}

// RLMExecutor drives the recursive LM loop: ask the model for code, run
// it in a persistent sandbox, feed the resulting state back, repeat until
// the code assigns FINAL or governance ends the run. Sub-queries issued
// from inside the sandbox via lm_query share the run's budget and count
// against its recursion depth.
type RLMExecutor struct {
	provider      Provider
	log           EventLog
	budget        *BudgetManager
	stops         *StopConditions
	maxIterations int
	systemPrompt  string
	extraFuncs    map[string]SandboxFunc
	logger        *slog.Logger
	tracer        Tracer
}

// RLMOption configures an RLMExecutor.
type RLMOption func(*RLMExecutor)

// WithRLMMaxIterations caps loop iterations. Defaults to 10.
func WithRLMMaxIterations(n int) RLMOption {
	return func(e *RLMExecutor) { e.maxIterations = n }
}

// WithRLMStopConditions installs loop-health detectors.
func WithRLMStopConditions(s *StopConditions) RLMOption {
	return func(e *RLMExecutor) { e.stops = s }
}

// WithRLMSystemPrompt overrides the default code-generation prompt.
func WithRLMSystemPrompt(p string) RLMOption {
	return func(e *RLMExecutor) { e.systemPrompt = p }
}

// WithRLMSandboxFuncs injects additional functions into each run's
// sandbox, alongside lm_query.
func WithRLMSandboxFuncs(funcs map[string]SandboxFunc) RLMOption {
	return func(e *RLMExecutor) { e.extraFuncs = funcs }
}

// WithRLMLogger sets a structured logger. Defaults to no output.
func WithRLMLogger(l *slog.Logger) RLMOption {
	return func(e *RLMExecutor) { e.logger = l }
}

// WithRLMTracer sets a tracer for run spans.
func WithRLMTracer(t Tracer) RLMOption {
	return func(e *RLMExecutor) { e.tracer = t }
}

// NewRLMExecutor creates an executor. The budget manager governs the
// whole run including sub-queries.
func NewRLMExecutor(provider Provider, log EventLog, budget *BudgetManager, opts ...RLMOption) *RLMExecutor {
	e := &RLMExecutor{
		provider:      provider,
		log:           log,
		budget:        budget,
		maxIterations: 10,
		systemPrompt:  defaultRLMSystemPrompt,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the loop for query under a fresh run ID.
func (e *RLMExecutor) Run(ctx context.Context, query string) (*RLMResult, error) {
	return e.RunWithID(ctx, query, NewRunID())
}

// RunWithID executes the loop under a caller-chosen run ID. Governance
// terminations (budget, stop conditions, iteration cap) are ordinary
// outcomes, not errors; the error return is reserved for provider and
// log failures.
func (e *RLMExecutor) RunWithID(ctx context.Context, query string, runID string) (*RLMResult, error) {
	em := NewEmitter(e.log, runID)
	e.budget.Bind(em)

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "kiln.rlm.run",
			StringAttr("run_id", runID), IntAttr("max_iterations", e.maxIterations))
		defer span.End()
	}

	if _, err := em.Emit(ctx, KindRunStarted, map[string]any{
		"executor":       "rlm",
		"query":          query,
		"max_iterations": e.maxIterations,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("rlm run started", "run_id", runID, "query_len", len(query))

	sandbox := e.newRunSandbox(ctx, em)
	messages := []Message{
		{Role: RoleSystem, Content: e.systemPrompt},
		{Role: RoleUser, Content: "Task: " + query},
	}

	result := &RLMResult{RunID: runID, Outcome: OutcomeMaxIterations}

	for iter := 0; iter < e.maxIterations; iter++ {
		result.Iterations = iter + 1

		if err := e.budget.Check(ctx); err != nil {
			var be *BudgetExceededError
			if errors.As(err, &be) {
				return e.finish(ctx, em, result, OutcomeBudgetExceeded, map[string]any{"limit": be.Limit})
			}
			return result, err
		}

		if e.stops != nil {
			e.stops.RecordStep()
			reason, err := e.stops.Check(ctx, em)
			if err != nil {
				return result, err
			}
			if reason != "" {
				return e.finish(ctx, em, result, OutcomeStopped, map[string]any{"reason": reason})
			}
		}

		if _, err := em.Emit(ctx, KindRLMIterationStarted, map[string]any{"iteration": iter}); err != nil {
			return result, err
		}

		code, err := e.generateCode(ctx, em, iter, messages)
		if err != nil {
			if _, emitErr := em.Emit(ctx, KindRunFinished, map[string]any{
				"outcome": string(OutcomeFailed),
				"error":   err.Error(),
			}); emitErr != nil {
				return result, emitErr
			}
			result.Outcome = OutcomeFailed
			return result, err
		}

		codeHash := HashString(code)
		if _, err := em.Emit(ctx, KindREPLExecStarted, map[string]any{
			"code_hash": codeHash,
			"iteration": iter,
		}); err != nil {
			return result, err
		}

		execRes := sandbox.Exec(code)
		state := sandbox.Snapshot()

		varNames := make([]string, 0, len(state.Variables))
		for name := range state.Variables {
			varNames = append(varNames, name)
		}
		sort.Strings(varNames)
		varList := make([]any, len(varNames))
		for i, n := range varNames {
			varList[i] = n
		}

		finishedPayload := map[string]any{
			"iteration": iter,
			"success":   execRes.Success,
			"variables": varList,
			"has_final": state.HasFinal,
		}
		if !execRes.Success {
			finishedPayload["error_type"] = execRes.ErrorType
			finishedPayload["error_message"] = execRes.ErrorMessage
		}
		if _, err := em.Emit(ctx, KindREPLExecFinished, finishedPayload); err != nil {
			return result, err
		}

		if e.stops != nil {
			if execRes.Success {
				e.stops.RecordSuccess()
			} else {
				e.stops.RecordFailure()
			}
		}

		messages = append(messages,
			Message{Role: RoleAssistant, Content: code},
			Message{Role: RoleUser, Content: formatExecFeedback(execRes, state)},
		)

		if _, err := em.Emit(ctx, KindRLMIterationFinished, map[string]any{
			"iteration": iter,
			"has_final": state.HasFinal,
			"success":   execRes.Success,
		}); err != nil {
			return result, err
		}

		if state.HasFinal {
			result.FinalValue = state.FinalValue
			return e.finish(ctx, em, result, OutcomeSucceeded, nil)
		}
	}

	return e.finish(ctx, em, result, OutcomeMaxIterations, nil)
}

// generateCode asks the provider for the next snippet, emitting the
// LMCall pair and charging tokens.
func (e *RLMExecutor) generateCode(ctx context.Context, em *Emitter, iter int, messages []Message) (string, error) {
	if _, err := em.Emit(ctx, KindLMCallStarted, map[string]any{
		"call_type": "code_generation",
		"iteration": iter,
	}); err != nil {
		return "", err
	}

	start := time.Now()
	comp, provErr := e.provider.Complete(ctx, messages)
	duration := time.Since(start)

	tokens := comp.TokensUsed
	if tokens < 0 {
		tokens = 0
	}
	finished := map[string]any{
		"call_type":   "code_generation",
		"iteration":   iter,
		"tokens_used": tokens,
		"duration_ms": duration.Milliseconds(),
	}
	if provErr != nil {
		finished["error"] = provErr.Error()
	}
	if _, err := em.Emit(ctx, KindLMCallFinished, finished); err != nil {
		return "", err
	}
	if provErr != nil {
		return "", fmt.Errorf("code generation: %w", provErr)
	}
	if err := e.budget.RecordTokens(ctx, int(tokens)); err != nil {
		return "", err
	}
	return extractCode(comp.Content), nil
}

// newRunSandbox builds the run's sandbox with lm_query bound to this
// run's emitter and budget. Depth exhaustion surfaces as a sandbox error
// the model sees in feedback, not as a kernel error.
func (e *RLMExecutor) newRunSandbox(ctx context.Context, em *Emitter) *Sandbox {
	funcs := map[string]SandboxFunc{
		"lm_query": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
			}
			text, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("expected a string argument, got %s", valueTypeName(args[0]))
			}
			return e.subQuery(ctx, em, text)
		},
	}
	for k, f := range e.extraFuncs {
		funcs[k] = f
	}
	return NewSandbox(WithSandboxFuncs(funcs))
}

func (e *RLMExecutor) subQuery(ctx context.Context, em *Emitter, text string) (any, error) {
	if err := e.budget.EnterRecursion(ctx); err != nil {
		return nil, err
	}
	defer e.budget.ExitRecursion(ctx)

	if _, err := em.Emit(ctx, KindLMCallStarted, map[string]any{
		"call_type": "sub_lm_query",
	}); err != nil {
		return nil, err
	}

	start := time.Now()
	comp, provErr := e.provider.Complete(ctx, []Message{{Role: RoleUser, Content: text}})
	duration := time.Since(start)

	tokens := comp.TokensUsed
	if tokens < 0 {
		tokens = 0
	}
	finished := map[string]any{
		"call_type":   "sub_lm_query",
		"tokens_used": tokens,
		"duration_ms": duration.Milliseconds(),
	}
	if provErr != nil {
		finished["error"] = provErr.Error()
	}
	if _, err := em.Emit(ctx, KindLMCallFinished, finished); err != nil {
		return nil, err
	}
	if provErr != nil {
		return nil, fmt.Errorf("sub-query: %w", provErr)
	}
	if err := e.budget.RecordTokens(ctx, int(tokens)); err != nil {
		return nil, err
	}
	return comp.Content, nil
}

func (e *RLMExecutor) finish(ctx context.Context, em *Emitter, result *RLMResult, outcome Outcome, extra map[string]any) (*RLMResult, error) {
	payload := map[string]any{
		"outcome":    string(outcome),
		"iterations": result.Iterations,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := em.Emit(ctx, KindRunFinished, payload); err != nil {
		return result, err
	}
	result.Outcome = outcome
	e.logger.Info("rlm run finished", "run_id", result.RunID, "outcome", string(outcome), "iterations", result.Iterations)
	return result, nil
}

// formatExecFeedback renders one execution's outcome as the user turn
// fed back to the model.
func formatExecFeedback(res ExecResult, state REPLState) string {
	var sb strings.Builder
	sb.WriteString("Execution results:\n")

	names := make([]string, 0, len(state.Variables))
	for n := range state.Variables {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		sb.WriteString("variables: (none)\n")
	} else {
		sb.WriteString("variables:\n")
		for _, n := range names {
			fmt.Fprintf(&sb, "  %s = %s\n", n, state.Variables[n])
		}
	}

	if res.Stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(truncateRepr(res.Stdout, 500))
		if !strings.HasSuffix(res.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if !res.Success {
		fmt.Fprintf(&sb, "error (%s): %s\n", res.ErrorType, res.ErrorMessage)
	}
	if state.HasFinal {
		sb.WriteString("FINAL is set.")
	} else {
		sb.WriteString("FINAL is not set. Assign FINAL when you have the answer.")
	}
	return sb.String()
}

// extractCode strips a Markdown code fence when the model wraps its
// snippet in one.
func extractCode(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.Index(trimmed, "\n"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}
