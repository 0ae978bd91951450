package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BudgetSpec declares a run's resource limits. All fields must be positive.
type BudgetSpec struct {
	MaxTokens         int     `json:"max_tokens"`
	MaxToolCalls      int     `json:"max_tool_calls"`
	MaxTimeSeconds    float64 `json:"max_time_s"`
	MaxRecursionDepth int     `json:"max_recursion_depth"`
	MaxParallel       int     `json:"max_parallel"`
}

// Validate rejects non-positive limits.
func (s BudgetSpec) Validate() error {
	if s.MaxTokens <= 0 {
		return fmt.Errorf("budget spec: max_tokens must be > 0, got %d", s.MaxTokens)
	}
	if s.MaxToolCalls <= 0 {
		return fmt.Errorf("budget spec: max_tool_calls must be > 0, got %d", s.MaxToolCalls)
	}
	if s.MaxTimeSeconds <= 0 {
		return fmt.Errorf("budget spec: max_time_s must be > 0, got %g", s.MaxTimeSeconds)
	}
	if s.MaxRecursionDepth <= 0 {
		return fmt.Errorf("budget spec: max_recursion_depth must be > 0, got %d", s.MaxRecursionDepth)
	}
	if s.MaxParallel <= 0 {
		return fmt.Errorf("budget spec: max_parallel must be > 0, got %d", s.MaxParallel)
	}
	return nil
}

// BudgetUsage is a snapshot of consumed resources. Token, tool-call, and
// time fields only grow; recursion depth and parallelism are signed-delta
// tracked and shrink when scopes exit.
type BudgetUsage struct {
	TokensUsed         int     `json:"tokens_used"`
	ToolCallsUsed      int     `json:"tool_calls_used"`
	TimeElapsedSeconds float64 `json:"time_elapsed_s"`
	RecursionDepth     int     `json:"current_recursion_depth"`
	Parallel           int     `json:"current_parallel"`
}

func (u BudgetUsage) String() string {
	return fmt.Sprintf("tokens=%d tool_calls=%d time=%.3fs depth=%d parallel=%d",
		u.TokensUsed, u.ToolCallsUsed, u.TimeElapsedSeconds, u.RecursionDepth, u.Parallel)
}

// BudgetDelta is a single usage mutation. Negative values are permitted
// only for RecursionDepth and Parallel.
type BudgetDelta struct {
	Tokens         int `json:"tokens,omitempty"`
	ToolCalls      int `json:"tool_calls,omitempty"`
	RecursionDepth int `json:"recursion_depth,omitempty"`
	Parallel       int `json:"parallel,omitempty"`
}

// BudgetManager tracks usage against a spec and emits governance events
// through the run's Emitter. Time is measured from construction and checked
// at Check call sites only: a single LM or tool call that overruns the
// remainder is not interrupted (check-point semantics).
type BudgetManager struct {
	spec   BudgetSpec
	logger *slog.Logger

	mu    sync.Mutex
	usage BudgetUsage
	start time.Time
	em    *Emitter
}

// BudgetOption configures a BudgetManager.
type BudgetOption func(*BudgetManager)

// WithBudgetLogger sets a structured logger. Defaults to no output.
func WithBudgetLogger(l *slog.Logger) BudgetOption {
	return func(b *BudgetManager) { b.logger = l }
}

// NewBudgetManager creates a manager for the given spec. The spec is
// validated; the elapsed-time clock starts immediately.
func NewBudgetManager(spec BudgetSpec, opts ...BudgetOption) (*BudgetManager, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	b := &BudgetManager{spec: spec, start: time.Now(), logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Bind attaches the run-wide Emitter so budget events are numbered in the
// run's sequence. Before Bind, Check and Apply track usage silently.
func (b *BudgetManager) Bind(em *Emitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.em = em
}

// Spec returns the immutable limits.
func (b *BudgetManager) Spec() BudgetSpec { return b.spec }

// Usage returns a snapshot of current usage with elapsed time filled in.
func (b *BudgetManager) Usage() BudgetUsage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *BudgetManager) snapshotLocked() BudgetUsage {
	u := b.usage
	u.TimeElapsedSeconds = time.Since(b.start).Seconds()
	return u
}

// Check verifies usage against the spec. On the first exceeded limit (in
// declaration order: tokens, tool calls, time, recursion depth, parallel)
// it emits BudgetExceeded and returns a *BudgetExceededError.
func (b *BudgetManager) Check(ctx context.Context) error {
	b.mu.Lock()
	u := b.snapshotLocked()
	em := b.em
	b.mu.Unlock()

	limit := ""
	switch {
	case u.TokensUsed >= b.spec.MaxTokens:
		limit = "max_tokens"
	case u.ToolCallsUsed >= b.spec.MaxToolCalls:
		limit = "max_tool_calls"
	case u.TimeElapsedSeconds >= b.spec.MaxTimeSeconds:
		limit = "max_time_s"
	case u.RecursionDepth >= b.spec.MaxRecursionDepth:
		limit = "max_recursion_depth"
	case u.Parallel >= b.spec.MaxParallel:
		limit = "max_parallel"
	default:
		return nil
	}

	b.logger.Warn("budget exceeded", "limit", limit, "usage", u.String())
	if em != nil {
		if _, err := em.Emit(ctx, KindBudgetExceeded, map[string]any{
			"limit": limit,
			"usage": usagePayload(u),
			"spec":  specPayload(b.spec),
		}); err != nil {
			return err
		}
	}
	return &BudgetExceededError{Limit: limit, Usage: u, Spec: b.spec}
}

// Apply mutates usage by delta and emits BudgetUpdated. Negative token or
// tool-call deltas are rejected; those fields are monotone.
func (b *BudgetManager) Apply(ctx context.Context, delta BudgetDelta) error {
	if delta.Tokens < 0 {
		return fmt.Errorf("budget: negative token delta %d", delta.Tokens)
	}
	if delta.ToolCalls < 0 {
		return fmt.Errorf("budget: negative tool-call delta %d", delta.ToolCalls)
	}

	b.mu.Lock()
	b.usage.TokensUsed += delta.Tokens
	b.usage.ToolCallsUsed += delta.ToolCalls
	b.usage.RecursionDepth += delta.RecursionDepth
	b.usage.Parallel += delta.Parallel
	u := b.snapshotLocked()
	em := b.em
	b.mu.Unlock()

	if em != nil {
		if _, err := em.Emit(ctx, KindBudgetUpdated, map[string]any{
			"delta": deltaPayload(delta),
			"usage": usagePayload(u),
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecordToolCall applies a single tool-call increment.
func (b *BudgetManager) RecordToolCall(ctx context.Context) error {
	return b.Apply(ctx, BudgetDelta{ToolCalls: 1})
}

// RecordTokens applies a token increment.
func (b *BudgetManager) RecordTokens(ctx context.Context, n int) error {
	return b.Apply(ctx, BudgetDelta{Tokens: n})
}

// EnterRecursion bumps the recursion depth and checks the budget. The
// returned error is a *BudgetExceededError when the new depth is out of
// bounds; a rejected enter rolls its increment back, so only a nil
// return must be paired with ExitRecursion.
func (b *BudgetManager) EnterRecursion(ctx context.Context) error {
	if err := b.Apply(ctx, BudgetDelta{RecursionDepth: 1}); err != nil {
		return err
	}
	b.mu.Lock()
	depth := b.usage.RecursionDepth
	b.mu.Unlock()
	if depth > b.spec.MaxRecursionDepth {
		usage := b.Usage()
		if err := b.Apply(ctx, BudgetDelta{RecursionDepth: -1}); err != nil {
			return err
		}
		return &BudgetExceededError{Limit: "max_recursion_depth", Usage: usage, Spec: b.spec}
	}
	return nil
}

// ExitRecursion reverses EnterRecursion.
func (b *BudgetManager) ExitRecursion(ctx context.Context) error {
	return b.Apply(ctx, BudgetDelta{RecursionDepth: -1})
}

func usagePayload(u BudgetUsage) map[string]any {
	return map[string]any{
		"tokens_used":             u.TokensUsed,
		"tool_calls_used":         u.ToolCallsUsed,
		"time_elapsed_s":          u.TimeElapsedSeconds,
		"current_recursion_depth": u.RecursionDepth,
		"current_parallel":        u.Parallel,
	}
}

func specPayload(s BudgetSpec) map[string]any {
	return map[string]any{
		"max_tokens":          s.MaxTokens,
		"max_tool_calls":      s.MaxToolCalls,
		"max_time_s":          s.MaxTimeSeconds,
		"max_recursion_depth": s.MaxRecursionDepth,
		"max_parallel":        s.MaxParallel,
	}
}

func deltaPayload(d BudgetDelta) map[string]any {
	out := map[string]any{}
	if d.Tokens != 0 {
		out["tokens"] = d.Tokens
	}
	if d.ToolCalls != 0 {
		out["tool_calls"] = d.ToolCalls
	}
	if d.RecursionDepth != 0 {
		out["recursion_depth"] = d.RecursionDepth
	}
	if d.Parallel != 0 {
		out["parallel"] = d.Parallel
	}
	return out
}
