package kiln

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Step result labels carried in AgentStepFinished payloads.
const (
	LabelFinish           = "finish"
	LabelToolSuccess      = "tool_success"
	LabelToolError        = "tool_error"
	LabelParseError       = "parse_error"
	LabelUnknownTool      = "unknown_tool"
	LabelPermissionDenied = "permission_denied"
	LabelValidationError  = "validation_error"
	LabelAcceptanceFailed = "acceptance_failed"
)

// agentAction is the JSON object the driving model must return each step.
type agentAction struct {
	Action    string         `json:"action"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Result    string         `json:"result"`
	Reasoning string         `json:"reasoning"`
}

// AcceptanceCheck is a caller-supplied criterion run against a finish
// action's result. A false return keeps the loop going with Explain fed
// back to the model.
type AcceptanceCheck struct {
	Name  string
	Check func(result string, runID string) (ok bool, explain string)
}

// AgentResult is the terminal state of one agent run.
type AgentResult struct {
	RunID   string
	Outcome Outcome
	Result  string
	Steps   int
}

// AgentRunner drives a tool-calling loop: the model returns one JSON
// action per step, either a tool call or a finish. Malformed responses,
// unknown tools, permission denials, and tool failures are feedback to
// the model, not run-fatal; governance decides when the loop ends.
type AgentRunner struct {
	provider   Provider
	log        EventLog
	registry   *ToolRegistry
	budget     *BudgetManager
	policy     *PermissionPolicy
	stops      *StopConditions
	limiter    *ConcurrencyLimiter
	acceptance []AcceptanceCheck

	maxSteps             int
	maxConsecutiveErrors int
	systemPrompt         string
	logger               *slog.Logger
	tracer               Tracer
}

// AgentOption configures an AgentRunner.
type AgentOption func(*AgentRunner)

// WithAgentMaxSteps caps loop steps. Defaults to 15.
func WithAgentMaxSteps(n int) AgentOption {
	return func(a *AgentRunner) { a.maxSteps = n }
}

// WithAgentMaxConsecutiveErrors sets the unparseable-response tolerance
// before the run ends with TOO_MANY_ERRORS. Defaults to 3.
func WithAgentMaxConsecutiveErrors(n int) AgentOption {
	return func(a *AgentRunner) { a.maxConsecutiveErrors = n }
}

// WithAgentPolicy installs a permission policy. Defaults to allow-all.
func WithAgentPolicy(p *PermissionPolicy) AgentOption {
	return func(a *AgentRunner) { a.policy = p }
}

// WithAgentStopConditions installs loop-health detectors.
func WithAgentStopConditions(s *StopConditions) AgentOption {
	return func(a *AgentRunner) { a.stops = s }
}

// WithAgentLimiter bounds concurrent tool executions across runs sharing
// the limiter.
func WithAgentLimiter(l *ConcurrencyLimiter) AgentOption {
	return func(a *AgentRunner) { a.limiter = l }
}

// WithAgentAcceptance installs acceptance checks run on finish actions.
func WithAgentAcceptance(checks ...AcceptanceCheck) AgentOption {
	return func(a *AgentRunner) { a.acceptance = checks }
}

// WithAgentSystemPrompt overrides the generated system prompt.
func WithAgentSystemPrompt(p string) AgentOption {
	return func(a *AgentRunner) { a.systemPrompt = p }
}

// WithAgentLogger sets a structured logger. Defaults to no output.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *AgentRunner) { a.logger = l }
}

// WithAgentTracer sets a tracer for run spans.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *AgentRunner) { a.tracer = t }
}

// NewAgentRunner creates a runner over the given tool registry.
func NewAgentRunner(provider Provider, log EventLog, registry *ToolRegistry, budget *BudgetManager, opts ...AgentOption) *AgentRunner {
	a := &AgentRunner{
		provider:             provider,
		log:                  log,
		registry:             registry,
		budget:               budget,
		policy:               AllowAll(),
		maxSteps:             15,
		maxConsecutiveErrors: 3,
		logger:               nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run executes the loop for task under a fresh run ID.
func (a *AgentRunner) Run(ctx context.Context, task string) (*AgentResult, error) {
	return a.RunWithID(ctx, task, NewRunID())
}

// RunWithID executes the loop under a caller-chosen run ID. As with the
// RLM executor, governance terminations are outcomes, not errors.
func (a *AgentRunner) RunWithID(ctx context.Context, task string, runID string) (*AgentResult, error) {
	em := NewEmitter(a.log, runID)
	a.budget.Bind(em)

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "kiln.agent.run",
			StringAttr("run_id", runID), IntAttr("max_steps", a.maxSteps))
		defer span.End()
	}

	if _, err := em.Emit(ctx, KindRunStarted, map[string]any{
		"executor":  "agent",
		"task":      task,
		"tools":     toAnySlice(a.registry.Names()),
		"max_steps": a.maxSteps,
	}); err != nil {
		return nil, err
	}
	a.logger.Info("agent run started", "run_id", runID, "tools", a.registry.Len())

	prompt := a.systemPrompt
	if prompt == "" {
		prompt = buildAgentPrompt(a.registry)
	}
	messages := []Message{
		{Role: RoleSystem, Content: prompt},
		{Role: RoleUser, Content: "Task: " + task},
	}

	result := &AgentResult{RunID: runID, Outcome: OutcomeMaxSteps}
	consecutiveErrors := 0

	for step := 0; step < a.maxSteps; step++ {
		result.Steps = step + 1

		if err := a.budget.Check(ctx); err != nil {
			var be *BudgetExceededError
			if errors.As(err, &be) {
				return a.finish(ctx, em, result, OutcomeBudgetExceeded, map[string]any{"limit": be.Limit})
			}
			return result, err
		}

		if a.stops != nil {
			a.stops.RecordStep()
			reason, err := a.stops.Check(ctx, em)
			if err != nil {
				return result, err
			}
			if reason != "" {
				return a.finish(ctx, em, result, OutcomeStopped, map[string]any{"reason": reason})
			}
		}

		if _, err := em.Emit(ctx, KindAgentStepStarted, map[string]any{"step": step}); err != nil {
			return result, err
		}

		raw, err := a.complete(ctx, em, step, messages)
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
		messages = append(messages, Message{Role: RoleAssistant, Content: raw})

		action, parseErr := parseAgentAction(raw)
		if parseErr != nil {
			consecutiveErrors++
			label := LabelParseError
			messages = append(messages, Message{Role: RoleUser, Content: fmt.Sprintf(
				"Your response could not be parsed: %v\nRespond with a single JSON object as instructed.", parseErr)})
			if err := a.stepFinished(ctx, em, step, label); err != nil {
				return result, err
			}
			if consecutiveErrors >= a.maxConsecutiveErrors {
				return a.finish(ctx, em, result, OutcomeTooManyErrors, map[string]any{
					"consecutive_errors": consecutiveErrors,
				})
			}
			continue
		}
		consecutiveErrors = 0

		if action.Action == "finish" {
			if feedback, failed := a.checkAcceptance(action.Result, runID); failed {
				messages = append(messages, Message{Role: RoleUser, Content: feedback})
				if err := a.stepFinished(ctx, em, step, LabelAcceptanceFailed); err != nil {
					return result, err
				}
				continue
			}
			if err := a.stepFinished(ctx, em, step, LabelFinish); err != nil {
				return result, err
			}
			result.Result = action.Result
			return a.finish(ctx, em, result, OutcomeSucceeded, map[string]any{"result": action.Result})
		}

		label, feedback, err := a.executeToolCall(ctx, em, action)
		if err != nil {
			return result, err
		}
		messages = append(messages, Message{Role: RoleUser, Content: feedback})
		if err := a.stepFinished(ctx, em, step, label); err != nil {
			return result, err
		}
	}

	return a.finish(ctx, em, result, OutcomeMaxSteps, nil)
}

// complete performs one model call with the LMCall event pair and charges
// tokens.
func (a *AgentRunner) complete(ctx context.Context, em *Emitter, step int, messages []Message) (string, error) {
	if _, err := em.Emit(ctx, KindLMCallStarted, map[string]any{
		"call_type": "agent_step",
		"step":      step,
	}); err != nil {
		return "", err
	}

	start := time.Now()
	comp, provErr := a.provider.Complete(ctx, messages)
	duration := time.Since(start)

	tokens := comp.TokensUsed
	if tokens < 0 {
		tokens = 0
	}
	finished := map[string]any{
		"call_type":   "agent_step",
		"step":        step,
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
		return "", fmt.Errorf("agent step: %w", provErr)
	}
	if err := a.budget.RecordTokens(ctx, int(tokens)); err != nil {
		return "", err
	}
	return comp.Content, nil
}

// executeToolCall runs one tool_call action end to end. The returned
// label and feedback describe the step to the event log and the model;
// the error return is reserved for log failures.
func (a *AgentRunner) executeToolCall(ctx context.Context, em *Emitter, action agentAction) (string, string, error) {
	tool, ok := a.registry.Get(action.Tool)
	if !ok {
		return LabelUnknownTool, fmt.Sprintf(
			"Unknown tool %q. Available tools: %s.", action.Tool, strings.Join(a.registry.Names(), ", ")), nil
	}

	if err := a.policy.Check(ctx, em, tool.Name(), tool.SideEffect()); err != nil {
		var pd *PermissionDeniedError
		if errors.As(err, &pd) {
			// A denial is a tool-level failure: an agent that keeps
			// attempting a denied tool trips the failure streak.
			if a.stops != nil {
				a.stops.RecordFailure()
			}
			return LabelPermissionDenied, fmt.Sprintf(
				"Tool %q was denied: %s. Choose a different approach.", tool.Name(), pd.Reason), nil
		}
		return "", "", err
	}

	input := action.Input
	if input == nil {
		input = map[string]any{}
	}
	if schema := tool.InputSchema(); schema != nil {
		if err := schema.Validate(input); err != nil {
			return LabelValidationError, fmt.Sprintf(
				"Input for tool %q is invalid: %v.", tool.Name(), err), nil
		}
	}

	if err := a.budget.RecordToolCall(ctx); err != nil {
		return "", "", err
	}

	inputHash, err := HashJSON(input)
	if err != nil {
		return LabelValidationError, fmt.Sprintf(
			"Input for tool %q is not serializable: %v.", tool.Name(), err), nil
	}
	if a.stops != nil {
		a.stops.RecordToolCall(tool.Name(), inputHash)
	}

	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, tool.Name()); err != nil {
			return "", "", err
		}
		defer a.limiter.Release(tool.Name())
	}

	if _, err := em.Emit(ctx, KindToolCallStarted, map[string]any{
		"tool":        tool.Name(),
		"version":     tool.Version(),
		"side_effect": string(tool.SideEffect()),
		"input_hash":  inputHash,
		"input":       input,
	}); err != nil {
		return "", "", err
	}

	start := time.Now()
	output, toolErr := tool.Execute(ctx, input)
	duration := time.Since(start)

	if toolErr != nil {
		if _, err := em.Emit(ctx, KindToolCallFinished, map[string]any{
			"tool":        tool.Name(),
			"success":     false,
			"error":       toolErr.Error(),
			"duration_ms": duration.Milliseconds(),
		}); err != nil {
			return "", "", err
		}
		if a.stops != nil {
			a.stops.RecordFailure()
		}
		return LabelToolError, fmt.Sprintf("Tool %q failed: %v.", tool.Name(), toolErr), nil
	}

	if schema := tool.OutputSchema(); schema != nil {
		if err := schema.Validate(output); err != nil {
			if _, emitErr := em.Emit(ctx, KindToolCallFinished, map[string]any{
				"tool":        tool.Name(),
				"success":     false,
				"error":       fmt.Sprintf("output schema: %v", err),
				"duration_ms": duration.Milliseconds(),
			}); emitErr != nil {
				return "", "", emitErr
			}
			if a.stops != nil {
				a.stops.RecordFailure()
			}
			return LabelValidationError, fmt.Sprintf(
				"Tool %q returned output violating its schema: %v.", tool.Name(), err), nil
		}
	}

	outputHash, err := HashJSON(output)
	if err != nil {
		return "", "", fmt.Errorf("hash tool output: %w", err)
	}
	if _, err := em.Emit(ctx, KindToolCallFinished, map[string]any{
		"tool":        tool.Name(),
		"success":     true,
		"output_hash": outputHash,
		"output":      output,
		"duration_ms": duration.Milliseconds(),
	}); err != nil {
		return "", "", err
	}
	if a.stops != nil {
		a.stops.RecordSuccess()
	}

	outJSON, err := json.Marshal(output)
	if err != nil {
		return "", "", fmt.Errorf("marshal tool output: %w", err)
	}
	return LabelToolSuccess, fmt.Sprintf("Tool %q result: %s", tool.Name(), outJSON), nil
}

// checkAcceptance runs every configured criterion against a finish
// result. Returns feedback and true when at least one fails.
func (a *AgentRunner) checkAcceptance(result, runID string) (string, bool) {
	if len(a.acceptance) == 0 {
		return "", false
	}
	var failures []string
	for _, c := range a.acceptance {
		ok, explain := c.Check(result, runID)
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: %s", c.Name, explain))
		}
	}
	if len(failures) == 0 {
		return "", false
	}
	return "Your result did not pass acceptance:\n- " + strings.Join(failures, "\n- ") +
		"\nAddress the failures and finish again.", true
}

func (a *AgentRunner) stepFinished(ctx context.Context, em *Emitter, step int, label string) error {
	_, err := em.Emit(ctx, KindAgentStepFinished, map[string]any{
		"step":         step,
		"result_label": label,
	})
	return err
}

func (a *AgentRunner) finish(ctx context.Context, em *Emitter, result *AgentResult, outcome Outcome, extra map[string]any) (*AgentResult, error) {
	payload := map[string]any{
		"outcome": string(outcome),
		"steps":   result.Steps,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := em.Emit(ctx, KindRunFinished, payload); err != nil {
		return result, err
	}
	result.Outcome = outcome
	a.logger.Info("agent run finished", "run_id", result.RunID, "outcome", string(outcome), "steps", result.Steps)
	return result, nil
}

// parseAgentAction decodes the model's response, tolerating a Markdown
// fence around the JSON object.
func parseAgentAction(raw string) (agentAction, error) {
	text := extractCode(raw)
	var action agentAction
	if err := json.Unmarshal([]byte(text), &action); err != nil {
		return agentAction{}, &ParseError{Raw: raw, Message: err.Error()}
	}
	switch action.Action {
	case "tool_call":
		if action.Tool == "" {
			return agentAction{}, &ParseError{Raw: raw, Message: "tool_call without a tool name"}
		}
	case "finish":
	default:
		return agentAction{}, &ParseError{Raw: raw, Message: fmt.Sprintf("unknown action %q", action.Action)}
	}
	return action, nil
}

// buildAgentPrompt renders the registry into the protocol instructions.
func buildAgentPrompt(registry *ToolRegistry) string {
	var sb strings.Builder
	sb.WriteString("You are an agent that solves tasks by calling tools.\n")
	sb.WriteString("Respond with exactly one JSON object per step, either:\n")
	sb.WriteString(`{"action":"tool_call","tool":"<name>","input":{...},"reasoning":"..."}` + "\n")
	sb.WriteString(`{"action":"finish","result":"<answer>","reasoning":"..."}` + "\n")
	sb.WriteString("Available tools:\n")
	specs := registry.Specs()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	for _, spec := range specs {
		schemaJSON, err := json.Marshal(spec.InputSchema)
		if err != nil {
			schemaJSON = []byte("{}")
		}
		fmt.Fprintf(&sb, "- %s, input schema: %s\n", spec.Name, schemaJSON)
	}
	return sb.String()
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
