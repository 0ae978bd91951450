package kiln

import (
	"context"
	"errors"
	"testing"
)

func TestBudgetSpecValidate(t *testing.T) {
	spec := BudgetSpec{MaxTokens: 10, MaxToolCalls: 5, MaxTimeSeconds: 60, MaxRecursionDepth: 2, MaxParallel: 2}
	if err := spec.Validate(); err != nil {
		t.Errorf("Validate = %v, want nil", err)
	}

	bad := spec
	bad.MaxToolCalls = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero max_tool_calls")
	}
	if _, err := NewBudgetManager(bad); err == nil {
		t.Error("NewBudgetManager accepted invalid spec")
	}
}

func TestBudgetTokenLimit(t *testing.T) {
	b, err := NewBudgetManager(BudgetSpec{MaxTokens: 50, MaxToolCalls: 10, MaxTimeSeconds: 60, MaxRecursionDepth: 2, MaxParallel: 2})
	if err != nil {
		t.Fatalf("NewBudgetManager: %v", err)
	}
	ctx := context.Background()

	if err := b.RecordTokens(ctx, 49); err != nil {
		t.Fatalf("RecordTokens: %v", err)
	}
	if err := b.Check(ctx); err != nil {
		t.Errorf("Check under limit = %v, want nil", err)
	}
	if err := b.RecordTokens(ctx, 1); err != nil {
		t.Fatalf("RecordTokens: %v", err)
	}

	err = b.Check(ctx)
	var be *BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("Check = %v, want *BudgetExceededError", err)
	}
	if be.Limit != "max_tokens" {
		t.Errorf("limit = %q, want %q", be.Limit, "max_tokens")
	}
}

func TestBudgetLimitOrderTokensFirst(t *testing.T) {
	// Both tokens and tool calls exceeded; tokens is reported, matching
	// the declared check order.
	b, _ := NewBudgetManager(BudgetSpec{MaxTokens: 1, MaxToolCalls: 1, MaxTimeSeconds: 60, MaxRecursionDepth: 2, MaxParallel: 2})
	ctx := context.Background()
	b.RecordTokens(ctx, 5)
	b.RecordToolCall(ctx)

	var be *BudgetExceededError
	if err := b.Check(ctx); !errors.As(err, &be) {
		t.Fatalf("Check = %v, want *BudgetExceededError", err)
	}
	if be.Limit != "max_tokens" {
		t.Errorf("limit = %q, want %q", be.Limit, "max_tokens")
	}
}

func TestBudgetRejectsNegativeDeltas(t *testing.T) {
	b := testBudget(t)
	ctx := context.Background()
	if err := b.Apply(ctx, BudgetDelta{Tokens: -1}); err == nil {
		t.Error("expected error for negative token delta")
	}
	if err := b.Apply(ctx, BudgetDelta{ToolCalls: -1}); err == nil {
		t.Error("expected error for negative tool-call delta")
	}
	// Recursion and parallel deltas may be negative (scope exits).
	if err := b.Apply(ctx, BudgetDelta{RecursionDepth: 1}); err != nil {
		t.Fatalf("Apply(+depth): %v", err)
	}
	if err := b.Apply(ctx, BudgetDelta{RecursionDepth: -1}); err != nil {
		t.Errorf("Apply(-depth) = %v, want nil", err)
	}
}

func TestBudgetRecursionDepth(t *testing.T) {
	b, _ := NewBudgetManager(BudgetSpec{MaxTokens: 100, MaxToolCalls: 10, MaxTimeSeconds: 60, MaxRecursionDepth: 2, MaxParallel: 2})
	ctx := context.Background()

	if err := b.EnterRecursion(ctx); err != nil {
		t.Fatalf("EnterRecursion(1): %v", err)
	}
	if err := b.EnterRecursion(ctx); err != nil {
		t.Fatalf("EnterRecursion(2): %v", err)
	}
	if err := b.EnterRecursion(ctx); err == nil {
		t.Error("expected error at depth 3 with max 2")
	}
	// The rejected enter must not hold a depth unit.
	if got := b.Usage().RecursionDepth; got != 2 {
		t.Errorf("RecursionDepth after rejection = %d, want 2", got)
	}
	b.ExitRecursion(ctx)
	b.ExitRecursion(ctx)
	if got := b.Usage().RecursionDepth; got != 0 {
		t.Errorf("RecursionDepth after exits = %d, want 0", got)
	}
	if err := b.Check(ctx); err != nil {
		t.Errorf("Check after balanced exits = %v, want nil", err)
	}
}

func TestBudgetEmitsEventsWhenBound(t *testing.T) {
	log := NewMemoryLog()
	runID := NewRunID()
	em := NewEmitter(log, runID)

	b, _ := NewBudgetManager(BudgetSpec{MaxTokens: 10, MaxToolCalls: 5, MaxTimeSeconds: 60, MaxRecursionDepth: 2, MaxParallel: 2})
	b.Bind(em)
	ctx := context.Background()

	if err := b.RecordTokens(ctx, 10); err != nil {
		t.Fatalf("RecordTokens: %v", err)
	}
	if err := b.Check(ctx); err == nil {
		t.Fatal("expected budget exceeded")
	}

	updated, err := log.QueryByKind(ctx, runID, KindBudgetUpdated)
	if err != nil {
		t.Fatalf("QueryByKind: %v", err)
	}
	if len(updated) != 1 {
		t.Errorf("BudgetUpdated events = %d, want 1", len(updated))
	}
	exceeded, err := log.QueryByKind(ctx, runID, KindBudgetExceeded)
	if err != nil {
		t.Fatalf("QueryByKind: %v", err)
	}
	if len(exceeded) != 1 {
		t.Fatalf("BudgetExceeded events = %d, want 1", len(exceeded))
	}
	if got := exceeded[0].Payload["limit"]; got != "max_tokens" {
		t.Errorf("exceeded limit = %v, want max_tokens", got)
	}
}

func TestBudgetUsageSnapshot(t *testing.T) {
	b := testBudget(t)
	ctx := context.Background()
	b.RecordTokens(ctx, 7)
	b.RecordToolCall(ctx)
	b.RecordToolCall(ctx)

	u := b.Usage()
	if u.TokensUsed != 7 {
		t.Errorf("TokensUsed = %d, want 7", u.TokensUsed)
	}
	if u.ToolCallsUsed != 2 {
		t.Errorf("ToolCallsUsed = %d, want 2", u.ToolCallsUsed)
	}
	if u.TimeElapsedSeconds < 0 {
		t.Errorf("TimeElapsedSeconds = %f, want >= 0", u.TimeElapsedSeconds)
	}
}
