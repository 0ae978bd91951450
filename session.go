package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DomainPack is a named tool manifest. Sessions instantiate a fresh
// ToolRegistry from it per agent slot, so runs never share registry
// state.
type DomainPack struct {
	Name  string
	Tools []Tool
}

// AgentRole is a named agent configuration referenced by workflows.
type AgentRole struct {
	Name         string
	SystemPrompt string
	MaxSteps     int
}

// DomainRegistry owns the packs, workflows, and roles sessions are
// validated against. It is an explicit store with a Clear for test
// isolation; nothing here is process-global.
type DomainRegistry struct {
	mu        sync.Mutex
	packs     map[string]DomainPack
	workflows map[string][]string // workflow name -> role slots in order
	roles     map[string]AgentRole
}

// NewDomainRegistry creates an empty registry.
func NewDomainRegistry() *DomainRegistry {
	return &DomainRegistry{
		packs:     make(map[string]DomainPack),
		workflows: make(map[string][]string),
		roles:     make(map[string]AgentRole),
	}
}

// RegisterPack adds a domain pack. Duplicates are rejected.
func (r *DomainRegistry) RegisterPack(p DomainPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.packs[p.Name]; exists {
		return fmt.Errorf("registry: pack %q already registered", p.Name)
	}
	r.packs[p.Name] = p
	return nil
}

// RegisterWorkflow adds a named sequence of role slots.
func (r *DomainRegistry) RegisterWorkflow(name string, roleSlots []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("registry: workflow %q already registered", name)
	}
	if len(roleSlots) == 0 {
		return fmt.Errorf("registry: workflow %q has no role slots", name)
	}
	r.workflows[name] = roleSlots
	return nil
}

// RegisterRole adds an agent role. Duplicates are rejected.
func (r *DomainRegistry) RegisterRole(role AgentRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roles[role.Name]; exists {
		return fmt.Errorf("registry: role %q already registered", role.Name)
	}
	r.roles[role.Name] = role
	return nil
}

// Pack returns a registered pack.
func (r *DomainRegistry) Pack(name string) (DomainPack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packs[name]
	return p, ok
}

// Workflow returns a registered workflow's role slots.
func (r *DomainRegistry) Workflow(name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots, ok := r.workflows[name]
	return slots, ok
}

// Role returns a registered role.
func (r *DomainRegistry) Role(name string) (AgentRole, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[name]
	return role, ok
}

// Clear removes all registrations.
func (r *DomainRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs = make(map[string]DomainPack)
	r.workflows = make(map[string][]string)
	r.roles = make(map[string]AgentRole)
}

// SessionStatus is a session's lifecycle state.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "CREATED"
	SessionRunning  SessionStatus = "RUNNING"
	SessionFinished SessionStatus = "FINISHED"
)

// SessionConfig describes one session: which pack backs the tools, which
// workflow lays out the agent slots, and the shared task and budget.
type SessionConfig struct {
	DomainPack string
	Workflow   string
	Task       string
	Budget     BudgetSpec
}

// SessionInfo is a snapshot of a session's state.
type SessionInfo struct {
	ID       string
	Config   SessionConfig
	Status   SessionStatus
	DAGRunID string
	Outcome  Outcome
	Err      error
}

type sessionRecord struct {
	id     string
	config SessionConfig

	stop atomic.Bool
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	status   SessionStatus
	dagRunID string
	outcome  Outcome
	err      error
}

// SessionManager validates, starts, and stops agent sessions. Each
// started session runs in a background goroutine as a linear chain of
// agent slots executed through the DAG engine; session-level events are
// logged under the session ID, distinct from the child DAG's run ID.
type SessionManager struct {
	registry *DomainRegistry
	log      EventLog
	provider Provider
	logger   *slog.Logger
	tracer   Tracer

	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionLogger sets a structured logger. Defaults to no output.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// WithSessionTracer sets a tracer for session spans.
func WithSessionTracer(t Tracer) SessionOption {
	return func(m *SessionManager) { m.tracer = t }
}

// NewSessionManager creates a manager over registry, log, and provider.
func NewSessionManager(registry *DomainRegistry, log EventLog, provider Provider, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		registry: registry,
		log:      log,
		provider: provider,
		logger:   nopLogger,
		sessions: make(map[string]*sessionRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession validates config against the domain registry and
// registers a new session in CREATED state.
func (m *SessionManager) CreateSession(config SessionConfig) (string, error) {
	if _, ok := m.registry.Pack(config.DomainPack); !ok {
		return "", fmt.Errorf("session: unknown domain pack %q", config.DomainPack)
	}
	slots, ok := m.registry.Workflow(config.Workflow)
	if !ok {
		return "", fmt.Errorf("session: unknown workflow %q", config.Workflow)
	}
	for _, slot := range slots {
		if _, ok := m.registry.Role(slot); !ok {
			return "", fmt.Errorf("session: workflow %q references unknown role %q", config.Workflow, slot)
		}
	}
	if err := config.Budget.Validate(); err != nil {
		return "", err
	}

	rec := &sessionRecord{
		id:     NewSessionID(),
		config: config,
		status: SessionCreated,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[rec.id] = rec
	m.mu.Unlock()
	m.logger.Info("session created", "session_id", rec.id, "pack", config.DomainPack, "workflow", config.Workflow)
	return rec.id, nil
}

// StartSession spawns the session's background worker. A session starts
// at most once.
func (m *SessionManager) StartSession(ctx context.Context, sessionID string) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	if rec.status != SessionCreated {
		rec.mu.Unlock()
		return fmt.Errorf("session %s: already started", sessionID)
	}
	rec.status = SessionRunning
	rec.mu.Unlock()

	go m.runSession(ctx, rec)
	return nil
}

// StopSession sets the session's stop flag. The worker observes it
// between agent slots; the slot in flight finishes normally.
func (m *SessionManager) StopSession(sessionID string) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	rec.stop.Store(true)
	m.logger.Info("session stop requested", "session_id", sessionID)
	return nil
}

// Session returns a snapshot of the session's state.
func (m *SessionManager) Session(sessionID string) (SessionInfo, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return SessionInfo{
		ID:       rec.id,
		Config:   rec.config,
		Status:   rec.status,
		DAGRunID: rec.dagRunID,
		Outcome:  rec.outcome,
		Err:      rec.err,
	}, nil
}

// Wait blocks until the session's worker has finished.
func (m *SessionManager) Wait(ctx context.Context, sessionID string) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	select {
	case <-rec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) record(sessionID string) (*sessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: not found", sessionID)
	}
	return rec, nil
}

// runSession is the background worker: one SessionStarted, a linear
// agent chain through the DAG engine, one SessionFinished.
func (m *SessionManager) runSession(ctx context.Context, rec *sessionRecord) {
	defer close(rec.done)

	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "kiln.session.run", StringAttr("session_id", rec.id))
		defer span.End()
	}

	// Session-level events are logged under the session ID.
	em := NewEmitter(m.log, rec.id)
	pack, _ := m.registry.Pack(rec.config.DomainPack)
	slots, _ := m.registry.Workflow(rec.config.Workflow)

	if _, err := em.Emit(ctx, KindSessionStarted, map[string]any{
		"session_id":  rec.id,
		"domain_pack": rec.config.DomainPack,
		"workflow":    rec.config.Workflow,
		"agent_count": len(slots),
	}); err != nil {
		m.finishSession(ctx, em, rec, OutcomeFailed, err)
		return
	}

	dag, err := m.buildAgentChain(rec, pack, slots)
	if err != nil {
		m.finishSession(ctx, em, rec, OutcomeFailed, err)
		return
	}

	engine := NewDAGEngine(m.log,
		WithMaxParallel(1),
		WithStopFlag(&rec.stop),
		WithDAGLogger(m.logger),
		WithDAGTracer(m.tracer))

	dagRunID, runErr := engine.Run(ctx, dag)
	rec.mu.Lock()
	rec.dagRunID = dagRunID
	rec.mu.Unlock()

	switch {
	case runErr != nil:
		m.finishSession(ctx, em, rec, OutcomeFailed, runErr)
	case rec.stop.Load():
		m.finishSession(ctx, em, rec, OutcomeStopped, nil)
	default:
		m.finishSession(ctx, em, rec, OutcomeSucceeded, nil)
	}
}

// buildAgentChain lays the workflow's role slots out as a linear DAG,
// each node running one agent over a fresh tool registry and budget.
func (m *SessionManager) buildAgentChain(rec *sessionRecord, pack DomainPack, slots []string) (*DAG, error) {
	dag := NewDAG(rec.config.Workflow)
	var prev string
	for i, slot := range slots {
		role, ok := m.registry.Role(slot)
		if !ok {
			return nil, fmt.Errorf("session %s: unknown role %q", rec.id, slot)
		}

		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		task := NewTask(fmt.Sprintf("%s-%d", role.Name, i), m.agentSlot(rec, pack, role), deps...)
		if err := dag.Add(task); err != nil {
			return nil, err
		}
		prev = task.ID
	}
	return dag, nil
}

func (m *SessionManager) agentSlot(rec *sessionRecord, pack DomainPack, role AgentRole) func(ctx context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) {
		registry := NewToolRegistry()
		for _, tool := range pack.Tools {
			if err := registry.Register(tool); err != nil {
				return nil, err
			}
		}
		budget, err := NewBudgetManager(rec.config.Budget)
		if err != nil {
			return nil, err
		}

		opts := []AgentOption{WithAgentLogger(m.logger)}
		if role.MaxSteps > 0 {
			opts = append(opts, WithAgentMaxSteps(role.MaxSteps))
		}
		if role.SystemPrompt != "" {
			opts = append(opts, WithAgentSystemPrompt(role.SystemPrompt))
		}
		runner := NewAgentRunner(m.provider, m.log, registry, budget, opts...)

		result, err := runner.Run(ctx, rec.config.Task)
		if err != nil {
			return nil, err
		}
		if result.Outcome != OutcomeSucceeded {
			return nil, fmt.Errorf("agent %s ended with outcome %s", role.Name, result.Outcome)
		}
		return map[string]any{
			"agent":   role.Name,
			"run_id":  result.RunID,
			"outcome": string(result.Outcome),
			"result":  result.Result,
		}, nil
	}
}

// finishSession emits SessionFinished exactly once and records the
// terminal state.
func (m *SessionManager) finishSession(ctx context.Context, em *Emitter, rec *sessionRecord, outcome Outcome, cause error) {
	rec.once.Do(func() {
		payload := map[string]any{
			"session_id": rec.id,
			"outcome":    string(outcome),
		}
		if cause != nil {
			payload["error"] = cause.Error()
		}
		if _, err := em.Emit(ctx, KindSessionFinished, payload); err != nil {
			m.logger.Error("emit SessionFinished failed", "session_id", rec.id, "error", err)
		}

		rec.mu.Lock()
		rec.status = SessionFinished
		rec.outcome = outcome
		rec.err = cause
		rec.mu.Unlock()
		m.logger.Info("session finished", "session_id", rec.id, "outcome", string(outcome))
	})
}
