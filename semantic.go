package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Provenance records where a fact came from.
type Provenance struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact is one observation in semantic memory. Facts are never mutated or
// deleted; a key's history is its full arena, oldest first.
type Fact struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Provenance Provenance `json:"provenance"`
	Confidence float64    `json:"confidence"`
}

// Conflict records that a new fact for a key disagreed with the latest
// recorded value at the time it was added. FactA and FactB index into
// the key's history: A is the then-latest fact, B the newcomer.
type Conflict struct {
	Key        string `json:"key"`
	FactA      int    `json:"fact_a"`
	FactB      int    `json:"fact_b"`
	Resolved   bool   `json:"resolved"`
	Resolution string `json:"resolution,omitempty"`
}

// Evidence is one fact supporting a claim, weighted by recency.
type Evidence struct {
	Fact      Fact    `json:"fact"`
	Relevance float64 `json:"relevance"`
}

// Claim is one key's entry in a context pack: the current value, its
// supporting history, and scores a consumer can threshold on.
type Claim struct {
	Key            string     `json:"key"`
	Value          string     `json:"value"`
	Evidence       []Evidence `json:"evidence"`
	Conflicts      int        `json:"conflicts"`
	FreshnessScore float64    `json:"freshness_score"`
	Confidence     float64    `json:"confidence"`
}

// FactStore is optional durable backing for semantic memory. The sqlite
// implementation lives in memory/sqlite.
type FactStore interface {
	AppendFact(ctx context.Context, f Fact) error
	AppendConflict(ctx context.Context, index int, c Conflict) error
	UpdateConflict(ctx context.Context, index int, c Conflict) error
	LoadFacts(ctx context.Context) ([]Fact, error)
	LoadConflicts(ctx context.Context) ([]Conflict, error)
}

// SemanticMemory is an append-only fact base keyed by dotted string
// keys, with explicit conflict records instead of silent overwrites.
// All operations are safe for concurrent use.
type SemanticMemory struct {
	logger *slog.Logger
	store  FactStore
	now    func() time.Time

	mu        sync.Mutex
	facts     map[string][]Fact
	keys      []string // insertion order of first sighting
	conflicts []Conflict
}

// SemanticOption configures a SemanticMemory.
type SemanticOption func(*SemanticMemory)

// WithSemanticLogger sets a structured logger. Defaults to no output.
func WithSemanticLogger(l *slog.Logger) SemanticOption {
	return func(m *SemanticMemory) { m.logger = l }
}

// WithFactStore makes Add and ResolveConflict write through to store.
// Call Load to hydrate from it first.
func WithFactStore(s FactStore) SemanticOption {
	return func(m *SemanticMemory) { m.store = s }
}

// withSemanticClock fixes the clock, for tests.
func withSemanticClock(now func() time.Time) SemanticOption {
	return func(m *SemanticMemory) { m.now = now }
}

// NewSemanticMemory creates an empty memory.
func NewSemanticMemory(opts ...SemanticOption) *SemanticMemory {
	m := &SemanticMemory{
		logger: nopLogger,
		now:    NowUTC,
		facts:  make(map[string][]Fact),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load hydrates facts and conflicts from the configured store, replacing
// current contents.
func (m *SemanticMemory) Load(ctx context.Context) error {
	if m.store == nil {
		return fmt.Errorf("semantic: no fact store configured")
	}
	facts, err := m.store.LoadFacts(ctx)
	if err != nil {
		return err
	}
	conflicts, err := m.store.LoadConflicts(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = make(map[string][]Fact)
	m.keys = nil
	for _, f := range facts {
		if _, seen := m.facts[f.Key]; !seen {
			m.keys = append(m.keys, f.Key)
		}
		m.facts[f.Key] = append(m.facts[f.Key], f)
	}
	m.conflicts = conflicts
	m.logger.Info("semantic memory loaded", "facts", len(facts), "conflicts", len(conflicts))
	return nil
}

// Add appends a fact to its key's history. When the key's latest value
// differs from the new one, an unresolved conflict is recorded between
// the two. Returns whether a conflict was created. The fact's ID and
// timestamp are filled in when zero.
func (m *SemanticMemory) Add(ctx context.Context, f Fact) (bool, error) {
	if f.Key == "" {
		return false, fmt.Errorf("semantic: fact key must not be empty")
	}
	if f.ID == "" {
		f.ID = NewFactID()
	}
	if f.Provenance.Timestamp.IsZero() {
		f.Provenance.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.facts[f.Key]
	conflicted := len(history) > 0 && history[len(history)-1].Value != f.Value

	if len(history) == 0 {
		m.keys = append(m.keys, f.Key)
	}
	m.facts[f.Key] = append(history, f)

	if m.store != nil {
		if err := m.store.AppendFact(ctx, f); err != nil {
			return false, err
		}
	}

	if conflicted {
		c := Conflict{
			Key:   f.Key,
			FactA: len(history) - 1,
			FactB: len(history),
		}
		m.conflicts = append(m.conflicts, c)
		if m.store != nil {
			if err := m.store.AppendConflict(ctx, len(m.conflicts)-1, c); err != nil {
				return false, err
			}
		}
		m.logger.Debug("fact conflict recorded", "key", f.Key,
			"old", m.facts[f.Key][c.FactA].Value, "new", f.Value)
	}
	return conflicted, nil
}

// Get returns the latest fact for key.
func (m *SemanticMemory) Get(key string) (Fact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.facts[key]
	if len(history) == 0 {
		return Fact{}, false
	}
	return history[len(history)-1], true
}

// GetHistory returns all facts for key, oldest first.
func (m *SemanticMemory) GetHistory(key string) []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.facts[key]
	out := make([]Fact, len(history))
	copy(out, history)
	return out
}

// QueryByPrefix returns the latest fact per key matching prefix, sorted
// by key.
func (m *SemanticMemory) QueryByPrefix(prefix string) []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fact
	for key, history := range m.facts {
		if strings.HasPrefix(key, prefix) && len(history) > 0 {
			out = append(out, history[len(history)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// QueryByRun returns every fact whose provenance points at runID.
func (m *SemanticMemory) QueryByRun(runID string) []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Fact
	for _, key := range m.keys {
		for _, f := range m.facts[key] {
			if f.Provenance.RunID == runID {
				out = append(out, f)
			}
		}
	}
	return out
}

// Conflicts returns all conflict records in creation order.
func (m *SemanticMemory) Conflicts() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}

// ResolveConflict marks the conflict at index resolved with the given
// resolution note.
func (m *SemanticMemory) ResolveConflict(ctx context.Context, index int, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.conflicts) {
		return fmt.Errorf("semantic: conflict index %d out of range [0, %d)", index, len(m.conflicts))
	}
	m.conflicts[index].Resolved = true
	m.conflicts[index].Resolution = resolution
	if m.store != nil {
		if err := m.store.UpdateConflict(ctx, index, m.conflicts[index]); err != nil {
			return err
		}
	}
	return nil
}

// BuildContextPack assembles one claim per requested key. Evidence is
// the key's full history with relevance 1.0 for the latest fact and 0.5
// for older ones. Freshness decays linearly from 1.0 at age zero to 0.0
// at maxAge. Confidence is the mean of confidence x relevance over the
// evidence, minus 0.1 per unresolved conflict on the key, clamped to
// [0, 1]; a claim with no evidence has confidence 0.
func (m *SemanticMemory) BuildContextPack(keys []string, maxAge time.Duration) []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	claims := make([]Claim, 0, len(keys))
	for _, key := range keys {
		history := m.facts[key]
		claim := Claim{Key: key}

		if len(history) == 0 {
			claims = append(claims, claim)
			continue
		}

		latest := history[len(history)-1]
		claim.Value = latest.Value

		var confidenceSum float64
		for i, f := range history {
			relevance := 0.5
			if i == len(history)-1 {
				relevance = 1.0
			}
			claim.Evidence = append(claim.Evidence, Evidence{Fact: f, Relevance: relevance})
			confidenceSum += f.Confidence * relevance
		}

		for _, c := range m.conflicts {
			if c.Key == key && !c.Resolved {
				claim.Conflicts++
			}
		}

		claim.FreshnessScore = freshness(now.Sub(latest.Provenance.Timestamp), maxAge)
		confidence := confidenceSum/float64(len(history)) - 0.1*float64(claim.Conflicts)
		claim.Confidence = clamp01(confidence)
		claims = append(claims, claim)
	}
	return claims
}

func freshness(age, maxAge time.Duration) float64 {
	if maxAge <= 0 || age <= 0 {
		if age <= 0 {
			return 1.0
		}
		return 0.0
	}
	if age >= maxAge {
		return 0.0
	}
	return 1.0 - float64(age)/float64(maxAge)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
