package kiln

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// scriptProvider replays canned responses in order, repeating the last
// one when the script runs out.
type scriptProvider struct {
	mu        sync.Mutex
	responses []string
	tokens    int64
	calls     int
	err       error
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, _ []Message) (Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return Completion{}, p.err
	}
	if len(p.responses) == 0 {
		return Completion{}, fmt.Errorf("script provider: no responses")
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return Completion{Content: p.responses[idx], TokensUsed: p.tokens}, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// echoTool returns its input unchanged. PURE, so replay can re-execute it.
func echoTool() Tool {
	return &ToolFunc{
		ToolName: "echo",
		Effect:   SideEffectPure,
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			out := make(map[string]any, len(input))
			for k, v := range input {
				out[k] = v
			}
			return out, nil
		},
	}
}

// failTool always errors.
func failTool() Tool {
	return &ToolFunc{
		ToolName: "fail",
		Effect:   SideEffectRead,
		Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("boom")
		},
	}
}

// deleteTool is destructive and does nothing, for permission tests.
func deleteTool() Tool {
	return &ToolFunc{
		ToolName: "delete",
		Effect:   SideEffectDestructive,
		Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"deleted": true}, nil
		},
	}
}

func testRegistry(t *testing.T, tools ...Tool) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s) = %v", tool.Name(), err)
		}
	}
	return r
}

func testBudget(t *testing.T) *BudgetManager {
	t.Helper()
	b, err := NewBudgetManager(BudgetSpec{
		MaxTokens:         100000,
		MaxToolCalls:      100,
		MaxTimeSeconds:    300,
		MaxRecursionDepth: 3,
		MaxParallel:       4,
	})
	if err != nil {
		t.Fatalf("NewBudgetManager: %v", err)
	}
	return b
}

// kinds extracts the kind sequence from events.
func kinds(evs []Event) []Kind {
	out := make([]Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func kindsEqual(got, want []Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// fakeFactStore is an in-memory FactStore for semantic persistence tests.
type fakeFactStore struct {
	mu        sync.Mutex
	facts     []Fact
	conflicts []Conflict
}

func newFakeFactStore() *fakeFactStore { return &fakeFactStore{} }

func (s *fakeFactStore) AppendFact(_ context.Context, f Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, f)
	return nil
}

func (s *fakeFactStore) AppendConflict(_ context.Context, index int, c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index != len(s.conflicts) {
		return fmt.Errorf("fake store: conflict index %d, have %d", index, len(s.conflicts))
	}
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *fakeFactStore) UpdateConflict(_ context.Context, index int, c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.conflicts) {
		return fmt.Errorf("fake store: conflict index %d out of range", index)
	}
	s.conflicts[index] = c
	return nil
}

func (s *fakeFactStore) LoadFacts(_ context.Context) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fact(nil), s.facts...), nil
}

func (s *fakeFactStore) LoadConflicts(_ context.Context) ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conflict(nil), s.conflicts...), nil
}

// mustEvents queries a run's events or fails the test.
func mustEvents(t *testing.T, log EventLog, runID string) []Event {
	t.Helper()
	evs, err := log.QueryByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("QueryByRun(%s) = %v", runID, err)
	}
	return evs
}
