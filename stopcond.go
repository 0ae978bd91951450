package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// StopConditions watches for runaway loops: a tool call repeated with
// identical input, an unbroken streak of failures, or steps that never
// succeed at all. Detectors are passive until Check is called. A zero
// threshold disables the corresponding detector.
type StopConditions struct {
	MaxRepeatedToolCalls   int
	MaxConsecutiveFailures int
	MaxNoProgressSteps     int

	logger *slog.Logger

	mu           sync.Mutex
	callCounts   map[string]int // "name:input_hash" -> occurrences
	consecutive  int            // failures since last success
	sinceSuccess int            // steps since last success
}

// StopOption configures StopConditions.
type StopOption func(*StopConditions)

// WithStopLogger sets a structured logger. Defaults to no output.
func WithStopLogger(l *slog.Logger) StopOption {
	return func(s *StopConditions) { s.logger = l }
}

// NewStopConditions creates detectors with the given thresholds.
func NewStopConditions(maxRepeated, maxFailures, maxNoProgress int, opts ...StopOption) *StopConditions {
	s := &StopConditions{
		MaxRepeatedToolCalls:   maxRepeated,
		MaxConsecutiveFailures: maxFailures,
		MaxNoProgressSteps:     maxNoProgress,
		logger:                 nopLogger,
		callCounts:             make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordToolCall notes one tool invocation, keyed by name and input hash.
func (s *StopConditions) RecordToolCall(name, inputHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCounts[name+":"+inputHash]++
}

// RecordFailure notes a failed step.
func (s *StopConditions) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive++
}

// RecordSuccess resets the failure and no-progress streaks.
func (s *StopConditions) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive = 0
	s.sinceSuccess = 0
}

// RecordStep notes that a step ran, successful or not.
func (s *StopConditions) RecordStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceSuccess++
}

// Check runs the detectors in declaration order (repeated calls, failure
// streak, no progress) and returns the first non-empty reason. On trigger
// it emits a StopCondition event through em (nil em skips emission).
func (s *StopConditions) Check(ctx context.Context, em *Emitter) (string, error) {
	s.mu.Lock()
	reason := ""
	if s.MaxRepeatedToolCalls > 0 {
		for key, n := range s.callCounts {
			if n >= s.MaxRepeatedToolCalls {
				reason = fmt.Sprintf("tool call repeated %d times: %s", n, key)
				break
			}
		}
	}
	if reason == "" && s.MaxConsecutiveFailures > 0 && s.consecutive >= s.MaxConsecutiveFailures {
		reason = fmt.Sprintf("%d consecutive failures", s.consecutive)
	}
	if reason == "" && s.MaxNoProgressSteps > 0 && s.sinceSuccess >= s.MaxNoProgressSteps {
		reason = fmt.Sprintf("no progress in %d steps", s.sinceSuccess)
	}
	s.mu.Unlock()

	if reason == "" {
		return "", nil
	}
	s.logger.Warn("stop condition triggered", "reason", reason)
	if em != nil {
		if _, err := em.Emit(ctx, KindStopCondition, map[string]any{"reason": reason}); err != nil {
			return "", err
		}
	}
	return reason, nil
}
