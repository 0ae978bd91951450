package kiln

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestEvalRunSuiteExactMatch(t *testing.T) {
	runner := NewEvalRunner(func(_ context.Context, input string) (string, error) {
		return strings.ToUpper(input), nil
	})

	report := runner.RunSuite(context.Background(), EvalSuite{
		Name: "upper",
		Cases: []EvalCase{
			{Name: "hit", Input: "abc", Expected: "ABC"},
			{Name: "miss", Input: "abc", Expected: "abc"},
		},
	})

	if report.Suite != "upper" {
		t.Errorf("Suite = %q, want upper", report.Suite)
	}
	if len(report.PerCase) != 2 {
		t.Fatalf("PerCase = %d, want 2", len(report.PerCase))
	}
	if report.PerCase[0].Score != 1.0 || report.PerCase[1].Score != 0.0 {
		t.Errorf("scores = %v/%v, want 1/0", report.PerCase[0].Score, report.PerCase[1].Score)
	}
	if report.Mean != 0.5 || report.PassRate != 0.5 {
		t.Errorf("mean=%v passRate=%v, want 0.5/0.5", report.Mean, report.PassRate)
	}
}

func TestEvalCustomScorer(t *testing.T) {
	runner := NewEvalRunner(func(_ context.Context, input string) (string, error) {
		return input, nil
	})

	report := runner.RunSuite(context.Background(), EvalSuite{
		Name: "partial",
		Cases: []EvalCase{
			{
				Name:     "half credit",
				Input:    "anything",
				Expected: "ignored",
				Score:    func(_, _ string) float64 { return 0.5 },
			},
			{
				Name:     "clamped",
				Input:    "anything",
				Expected: "ignored",
				Score:    func(_, _ string) float64 { return 3.7 },
			},
		},
	})

	if report.PerCase[0].Score != 0.5 {
		t.Errorf("score = %v, want 0.5", report.PerCase[0].Score)
	}
	if report.PerCase[1].Score != 1.0 {
		t.Errorf("score = %v, want clamped to 1.0", report.PerCase[1].Score)
	}
	// Only the clamped-to-1.0 case counts as a pass.
	if report.PassRate != 0.5 {
		t.Errorf("PassRate = %v, want 0.5", report.PassRate)
	}
	if want := 0.75; math.Abs(report.Mean-want) > 1e-9 {
		t.Errorf("Mean = %v, want %v", report.Mean, want)
	}
}

func TestEvalTargetErrorScoresZero(t *testing.T) {
	boom := errors.New("target exploded")
	calls := 0
	runner := NewEvalRunner(func(_ context.Context, input string) (string, error) {
		calls++
		if input == "bad" {
			return "", boom
		}
		return input, nil
	})

	report := runner.RunSuite(context.Background(), EvalSuite{
		Name: "resilient",
		Cases: []EvalCase{
			{Name: "fails", Input: "bad", Expected: "bad"},
			{Name: "runs anyway", Input: "ok", Expected: "ok"},
		},
	})

	if calls != 2 {
		t.Errorf("target calls = %d, want 2 (errors must not abort the suite)", calls)
	}
	failed := report.PerCase[0]
	if failed.Score != 0 || !errors.Is(failed.Err, boom) {
		t.Errorf("failed case = score %v err %v", failed.Score, failed.Err)
	}
	if report.PerCase[1].Score != 1.0 {
		t.Errorf("surviving case score = %v, want 1.0", report.PerCase[1].Score)
	}
}

func TestEvalAgainstRLM(t *testing.T) {
	log := NewMemoryLog()
	provider := &scriptProvider{responses: []string{`FINAL = str(6 * 7)`}}

	runner := NewEvalRunner(func(ctx context.Context, input string) (string, error) {
		exec := NewRLMExecutor(provider, log, testBudget(t))
		res, err := exec.Run(ctx, input)
		if err != nil {
			return "", err
		}
		return res.FinalValue, nil
	})

	report := runner.RunSuite(context.Background(), EvalSuite{
		Name:  "arithmetic",
		Cases: []EvalCase{{Name: "product", Input: "compute 6*7", Expected: "42"}},
	})
	if report.PassRate != 1.0 {
		t.Errorf("PassRate = %v, want 1.0 (got %q)", report.PassRate, report.PerCase[0].Got)
	}
}
