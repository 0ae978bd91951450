package kiln

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SideEffect classifies what a tool does to the world. It drives both
// permission evaluation and replay re-execution eligibility.
type SideEffect string

const (
	// SideEffectPure marks tools that are deterministic over their inputs.
	// Only pure tools are eligible for replay re-execution.
	SideEffectPure SideEffect = "PURE"
	// SideEffectRead marks tools that observe external state.
	SideEffectRead SideEffect = "READ"
	// SideEffectWrite marks tools that mutate managed state.
	SideEffectWrite SideEffect = "WRITE"
	// SideEffectDestructive marks tools whose mutations are non-recoverable.
	SideEffectDestructive SideEffect = "DESTRUCTIVE"
)

// Tool is a named, versioned capability with structured I/O. The kernel
// validates input against InputSchema before Execute and output against
// OutputSchema after, and hashes both (canonical JSON, SHA-256) into event
// payloads. Tool bodies live outside the kernel.
type Tool interface {
	Name() string
	Version() string
	SideEffect() SideEffect
	InputSchema() *Schema
	OutputSchema() *Schema
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// ToolFunc adapts a plain function into a Tool. The zero schema fields
// default to permissive object schemas.
type ToolFunc struct {
	ToolName    string
	ToolVersion string
	Effect      SideEffect
	Input       *Schema
	Output      *Schema
	Fn          func(ctx context.Context, input map[string]any) (map[string]any, error)
}

var _ Tool = (*ToolFunc)(nil)

func (t *ToolFunc) Name() string           { return t.ToolName }
func (t *ToolFunc) SideEffect() SideEffect { return t.Effect }

func (t *ToolFunc) Version() string {
	if t.ToolVersion == "" {
		return "1.0.0"
	}
	return t.ToolVersion
}

func (t *ToolFunc) InputSchema() *Schema {
	if t.Input == nil {
		return ObjectSchema(nil)
	}
	return t.Input
}

func (t *ToolFunc) OutputSchema() *Schema {
	if t.Output == nil {
		return ObjectSchema(nil)
	}
	return t.Output
}

func (t *ToolFunc) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return t.Fn(ctx, input)
}

// ToolRegistry owns registered tool instances and dispatches lookups by
// name. Registries are read-only after setup in practice, but registration
// is still guarded for safety. Clear exists for test isolation.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a second tool under the same name is
// an error: the registry is the authority on what a name means.
func (r *ToolRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool registry: duplicate tool %q", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear removes all registered tools.
func (r *ToolRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]Tool)
}

// ToolSpec is the schema-level description of a tool handed to structured
// LM providers so the model can see what it may call.
type ToolSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	InputSchema *Schema `json:"input_schema,omitempty"`
}

// Specs returns a ToolSpec per registered tool, sorted by name.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{Name: t.Name(), InputSchema: t.InputSchema()})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
