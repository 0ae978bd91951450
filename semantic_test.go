package kiln

import (
	"context"
	"math"
	"testing"
	"time"
)

func fact(key, value, runID string, confidence float64) Fact {
	return Fact{
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Provenance: Provenance{RunID: runID},
	}
}

func TestSemanticAddAndGet(t *testing.T) {
	m := NewSemanticMemory()
	ctx := context.Background()

	conflicted, err := m.Add(ctx, fact("service.port", "8080", "run_a", 0.9))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if conflicted {
		t.Error("first fact reported a conflict")
	}

	got, ok := m.Get("service.port")
	if !ok {
		t.Fatal("Get: fact missing")
	}
	if got.Value != "8080" {
		t.Errorf("value = %q, want 8080", got.Value)
	}
	if got.ID == "" {
		t.Error("Add did not assign an ID")
	}
	if got.Provenance.Timestamp.IsZero() {
		t.Error("Add did not stamp the provenance")
	}

	if _, err := m.Add(ctx, Fact{Value: "no key"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestSemanticConflictDetection(t *testing.T) {
	m := NewSemanticMemory()
	ctx := context.Background()

	m.Add(ctx, fact("db.host", "alpha", "run_a", 0.9))
	conflicted, err := m.Add(ctx, fact("db.host", "beta", "run_b", 0.8))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !conflicted {
		t.Fatal("differing value did not create a conflict")
	}

	// Re-asserting the latest value is not a conflict.
	conflicted, _ = m.Add(ctx, fact("db.host", "beta", "run_c", 0.7))
	if conflicted {
		t.Error("matching value created a conflict")
	}

	conflicts := m.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Key != "db.host" || c.Resolved {
		t.Errorf("conflict = %+v", c)
	}
	history := m.GetHistory("db.host")
	if len(history) != 3 {
		t.Fatalf("history = %d, want 3", len(history))
	}
	if history[c.FactA].Value != "alpha" || history[c.FactB].Value != "beta" {
		t.Errorf("conflict indices point at %q/%q, want alpha/beta",
			history[c.FactA].Value, history[c.FactB].Value)
	}

	if err := m.ResolveConflict(ctx, 0, "beta confirmed by run_c"); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if c := m.Conflicts()[0]; !c.Resolved || c.Resolution != "beta confirmed by run_c" {
		t.Errorf("after resolve: %+v", c)
	}
	if err := m.ResolveConflict(ctx, 5, "x"); err == nil {
		t.Error("expected error for out-of-range conflict index")
	}
}

func TestSemanticQueries(t *testing.T) {
	m := NewSemanticMemory()
	ctx := context.Background()
	m.Add(ctx, fact("svc.a.port", "1", "run_x", 1))
	m.Add(ctx, fact("svc.b.port", "2", "run_y", 1))
	m.Add(ctx, fact("other", "3", "run_x", 1))

	byPrefix := m.QueryByPrefix("svc.")
	if len(byPrefix) != 2 {
		t.Fatalf("QueryByPrefix = %d facts, want 2", len(byPrefix))
	}
	if byPrefix[0].Key > byPrefix[1].Key {
		t.Errorf("prefix results unsorted: %s, %s", byPrefix[0].Key, byPrefix[1].Key)
	}

	byRun := m.QueryByRun("run_x")
	if len(byRun) != 2 {
		t.Fatalf("QueryByRun = %d facts, want 2", len(byRun))
	}
	if byRun[0].Key != "svc.a.port" || byRun[1].Key != "other" {
		t.Errorf("run results out of insertion order: %s, %s", byRun[0].Key, byRun[1].Key)
	}
}

func TestInMemorySemanticPersistence(t *testing.T) {
	store := newFakeFactStore()
	ctx := context.Background()

	m := NewSemanticMemory(WithFactStore(store))
	m.Add(ctx, fact("k", "v1", "run_a", 0.9))
	m.Add(ctx, fact("k", "v2", "run_b", 0.8))
	m.ResolveConflict(ctx, 0, "v2 wins")

	// A fresh memory over the same store sees the same state.
	reloaded := NewSemanticMemory(WithFactStore(store))
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := reloaded.Get("k")
	if !ok || got.Value != "v2" {
		t.Errorf("reloaded latest = %v %v, want v2 true", got.Value, ok)
	}
	if len(reloaded.GetHistory("k")) != 2 {
		t.Errorf("reloaded history = %d, want 2", len(reloaded.GetHistory("k")))
	}
	conflicts := reloaded.Conflicts()
	if len(conflicts) != 1 || !conflicts[0].Resolved || conflicts[0].Resolution != "v2 wins" {
		t.Errorf("reloaded conflicts = %+v", conflicts)
	}
}

func TestBuildContextPack(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m := NewSemanticMemory(withSemanticClock(func() time.Time { return clock }))
	ctx := context.Background()

	m.Add(ctx, fact("db.host", "alpha", "run_a", 0.8))
	clock = base.Add(30 * time.Minute)
	m.Add(ctx, fact("db.host", "beta", "run_b", 0.6))

	clock = base.Add(60 * time.Minute)
	claims := m.BuildContextPack([]string{"db.host", "missing.key"}, 2*time.Hour)
	if len(claims) != 2 {
		t.Fatalf("claims = %d, want 2", len(claims))
	}

	claim := claims[0]
	if claim.Value != "beta" {
		t.Errorf("claim value = %q, want beta", claim.Value)
	}
	if len(claim.Evidence) != 2 {
		t.Fatalf("evidence = %d, want 2", len(claim.Evidence))
	}
	if claim.Evidence[0].Relevance != 0.5 || claim.Evidence[1].Relevance != 1.0 {
		t.Errorf("relevance = %v/%v, want 0.5/1.0",
			claim.Evidence[0].Relevance, claim.Evidence[1].Relevance)
	}
	if claim.Conflicts != 1 {
		t.Errorf("unresolved conflicts = %d, want 1", claim.Conflicts)
	}
	// Latest fact is 30 minutes old against a 2 hour horizon.
	if want := 1.0 - 0.5/2.0; math.Abs(claim.FreshnessScore-want) > 1e-9 {
		t.Errorf("freshness = %v, want %v", claim.FreshnessScore, want)
	}
	// mean(conf x rel) = (0.8*0.5 + 0.6*1.0)/2 = 0.5, minus 0.1 per conflict.
	if want := 0.5 - 0.1; math.Abs(claim.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", claim.Confidence, want)
	}

	empty := claims[1]
	if empty.Value != "" || len(empty.Evidence) != 0 {
		t.Errorf("missing key claim = %+v, want empty", empty)
	}

	// Facts older than the horizon score zero freshness.
	clock = base.Add(10 * time.Hour)
	stale := m.BuildContextPack([]string{"db.host"}, 2*time.Hour)
	if stale[0].FreshnessScore != 0 {
		t.Errorf("stale freshness = %v, want 0", stale[0].FreshnessScore)
	}
}
