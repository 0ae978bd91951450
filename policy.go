package kiln

import (
	"context"
	"log/slog"
)

// PolicyAction is the verdict of a permission evaluation.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "ALLOW"
	PolicyDeny  PolicyAction = "DENY"
)

// PermissionRule matches one side-effect class to a verdict.
type PermissionRule struct {
	SideEffect SideEffect   `json:"side_effect"`
	Action     PolicyAction `json:"action"`
	Reason     string       `json:"reason"`
}

// PermissionPolicy is an ordered rule list with a default. Evaluation is
// first-match-wins; policies are read-only after creation and safe for
// concurrent use.
type PermissionPolicy struct {
	rules      []PermissionRule
	defaultAct PolicyAction
	logger     *slog.Logger
}

// PolicyOption configures a PermissionPolicy.
type PolicyOption func(*PermissionPolicy)

// WithPolicyLogger sets a structured logger. Defaults to no output.
func WithPolicyLogger(l *slog.Logger) PolicyOption {
	return func(p *PermissionPolicy) { p.logger = l }
}

// NewPermissionPolicy creates a policy from ordered rules and a default
// action applied when no rule matches.
func NewPermissionPolicy(rules []PermissionRule, defaultAction PolicyAction, opts ...PolicyOption) *PermissionPolicy {
	p := &PermissionPolicy{
		rules:      append([]PermissionRule(nil), rules...),
		defaultAct: defaultAction,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AllowAll is a policy that permits every side-effect class.
func AllowAll() *PermissionPolicy {
	return NewPermissionPolicy(nil, PolicyAllow)
}

// Evaluate returns the action and reason for a side-effect class: the
// first matching rule wins, otherwise the default applies.
func (p *PermissionPolicy) Evaluate(se SideEffect) (PolicyAction, string) {
	for _, r := range p.rules {
		if r.SideEffect == se {
			return r.Action, r.Reason
		}
	}
	return p.defaultAct, "Default policy: " + string(p.defaultAct)
}

// Check evaluates a tool's side-effect class, emits a PolicyDecision event
// through em, and returns a *PermissionDeniedError on deny. A nil em skips
// emission (direct evaluation outside a run).
func (p *PermissionPolicy) Check(ctx context.Context, em *Emitter, toolName string, se SideEffect) error {
	action, reason := p.Evaluate(se)
	if em != nil {
		if _, err := em.Emit(ctx, KindPolicyDecision, map[string]any{
			"tool_name":   toolName,
			"side_effect": string(se),
			"action":      string(action),
			"reason":      reason,
		}); err != nil {
			return err
		}
	}
	if action == PolicyDeny {
		p.logger.Warn("tool call denied", "tool", toolName, "side_effect", se, "reason", reason)
		return &PermissionDeniedError{Tool: toolName, SideEffect: se, Reason: reason}
	}
	return nil
}
