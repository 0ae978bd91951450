package kiln

import (
	"context"
	"log/slog"
	"time"
)

// EvalCase is one scored input/expected pair. Score maps the target's
// output against the expectation to [0, 1]; when nil, exact match scores
// 1 and anything else 0.
type EvalCase struct {
	Name     string
	Input    string
	Expected string
	Score    func(got, want string) float64
}

// EvalSuite is a named collection of cases.
type EvalSuite struct {
	Name  string
	Cases []EvalCase
}

// CaseResult is one case's outcome.
type CaseResult struct {
	Name     string
	Got      string
	Score    float64
	Err      error
	Duration time.Duration
}

// EvalReport aggregates a suite run. PassRate counts cases scoring 1.0.
type EvalReport struct {
	Suite    string
	PerCase  []CaseResult
	Mean     float64
	PassRate float64
	Duration time.Duration
}

// EvalRunner scores a target function over suites. The target is
// typically a closure over an AgentRunner or RLMExecutor.
type EvalRunner struct {
	target func(ctx context.Context, input string) (string, error)
	logger *slog.Logger
}

// EvalOption configures an EvalRunner.
type EvalOption func(*EvalRunner)

// WithEvalLogger sets a structured logger. Defaults to no output.
func WithEvalLogger(l *slog.Logger) EvalOption {
	return func(r *EvalRunner) { r.logger = l }
}

// NewEvalRunner creates a runner over target.
func NewEvalRunner(target func(ctx context.Context, input string) (string, error), opts ...EvalOption) *EvalRunner {
	r := &EvalRunner{target: target, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunSuite executes every case in order. A target error scores the case
// 0 and is carried in the result; it never aborts the suite.
func (r *EvalRunner) RunSuite(ctx context.Context, suite EvalSuite) EvalReport {
	report := EvalReport{Suite: suite.Name}
	suiteStart := time.Now()

	for _, c := range suite.Cases {
		start := time.Now()
		got, err := r.target(ctx, c.Input)
		res := CaseResult{
			Name:     c.Name,
			Got:      got,
			Err:      err,
			Duration: time.Since(start),
		}
		if err == nil {
			score := c.Score
			if score == nil {
				score = exactMatch
			}
			res.Score = clamp01(score(got, c.Expected))
		}
		report.PerCase = append(report.PerCase, res)
		r.logger.Debug("eval case finished", "suite", suite.Name, "case", c.Name, "score", res.Score, "error", err)
	}

	report.Duration = time.Since(suiteStart)
	if n := len(report.PerCase); n > 0 {
		var sum float64
		passed := 0
		for _, res := range report.PerCase {
			sum += res.Score
			if res.Score == 1.0 {
				passed++
			}
		}
		report.Mean = sum / float64(n)
		report.PassRate = float64(passed) / float64(n)
	}
	r.logger.Info("eval suite finished", "suite", suite.Name, "cases", len(report.PerCase),
		"mean", report.Mean, "pass_rate", report.PassRate)
	return report
}

func exactMatch(got, want string) float64 {
	if got == want {
		return 1.0
	}
	return 0.0
}
