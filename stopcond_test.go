package kiln

import (
	"context"
	"fmt"
	"testing"
)

func TestStopRepeatedToolCall(t *testing.T) {
	s := NewStopConditions(3, 0, 0)
	ctx := context.Background()

	hash, err := HashJSON(map[string]any{"q": "same"})
	if err != nil {
		t.Fatalf("HashJSON: %v", err)
	}
	for i := 0; i < 2; i++ {
		s.RecordToolCall("search", hash)
		reason, err := s.Check(ctx, nil)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if reason != "" {
			t.Fatalf("triggered after %d calls: %q", i+1, reason)
		}
	}
	s.RecordToolCall("search", hash)
	reason, err := s.Check(ctx, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := fmt.Sprintf("tool call repeated 3 times: search:%s", hash)
	if reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestStopDistinctInputsDoNotCount(t *testing.T) {
	s := NewStopConditions(2, 0, 0)
	ctx := context.Background()
	hashA, _ := HashJSON(map[string]any{"q": "a"})
	hashB, _ := HashJSON(map[string]any{"q": "b"})
	s.RecordToolCall("search", hashA)
	s.RecordToolCall("search", hashB)
	if reason, _ := s.Check(ctx, nil); reason != "" {
		t.Errorf("distinct inputs triggered: %q", reason)
	}
}

func TestStopConsecutiveFailures(t *testing.T) {
	s := NewStopConditions(0, 3, 0)
	ctx := context.Background()

	s.RecordFailure()
	s.RecordFailure()
	s.RecordSuccess() // resets the streak
	s.RecordFailure()
	s.RecordFailure()
	if reason, _ := s.Check(ctx, nil); reason != "" {
		t.Fatalf("triggered early: %q", reason)
	}
	s.RecordFailure()
	reason, _ := s.Check(ctx, nil)
	if want := "3 consecutive failures"; reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestStopNoProgress(t *testing.T) {
	s := NewStopConditions(0, 0, 4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.RecordStep()
	}
	s.RecordSuccess()
	for i := 0; i < 4; i++ {
		s.RecordStep()
	}
	reason, _ := s.Check(ctx, nil)
	if want := "no progress in 4 steps"; reason != want {
		t.Errorf("reason = %q, want %q", reason, want)
	}
}

func TestStopZeroThresholdsDisable(t *testing.T) {
	s := NewStopConditions(0, 0, 0)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		s.RecordToolCall("x", "h")
		s.RecordFailure()
		s.RecordStep()
	}
	if reason, _ := s.Check(ctx, nil); reason != "" {
		t.Errorf("disabled detectors triggered: %q", reason)
	}
}

func TestStopEmitsEvent(t *testing.T) {
	log := NewMemoryLog()
	runID := NewRunID()
	em := NewEmitter(log, runID)
	ctx := context.Background()

	s := NewStopConditions(0, 1, 0)
	s.RecordFailure()
	reason, err := s.Check(ctx, em)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if reason == "" {
		t.Fatal("expected a stop reason")
	}

	events, err := log.QueryByKind(ctx, runID, KindStopCondition)
	if err != nil {
		t.Fatalf("QueryByKind: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("StopCondition events = %d, want 1", len(events))
	}
	if got := events[0].Payload["reason"]; got != reason {
		t.Errorf("payload reason = %v, want %q", got, reason)
	}
}
