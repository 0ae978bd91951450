package kiln

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// recordAgentRun runs a one-tool-call agent run against log and returns
// its run ID.
func recordAgentRun(t *testing.T, log EventLog, tool Tool) string {
	t.Helper()
	provider := &scriptProvider{
		responses: []string{
			fmt.Sprintf(`{"action":"tool_call","tool":%q,"input":{"msg":"hello"},"reasoning":""}`, tool.Name()),
			`{"action":"finish","result":"done","reasoning":""}`,
		},
	}
	runner := NewAgentRunner(provider, log, testRegistry(t, tool), testBudget(t))
	res, err := runner.Run(context.Background(), "record a run")
	if err != nil {
		t.Fatalf("recording run: %v", err)
	}
	return res.RunID
}

func TestReplayStrict(t *testing.T) {
	log := NewMemoryLog()
	runID := recordAgentRun(t, log, echoTool())
	replayer := NewReplayer(log)

	res, err := replayer.Replay(context.Background(), runID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !res.Finished {
		t.Error("Finished = false for a completed run")
	}
	if res.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %s, want SUCCEEDED", res.Outcome)
	}
	if len(res.ToolOutputs) != 1 {
		t.Fatalf("ToolOutputs = %d, want 1", len(res.ToolOutputs))
	}
	for seq, payload := range res.ToolOutputs {
		if payload["success"] != true {
			t.Errorf("seq %d success = %v, want true", seq, payload["success"])
		}
		if payload["reexecuted"] != nil {
			t.Error("strict replay must not tag reexecuted")
		}
	}

	// Replay is read-only: the event count is unchanged.
	events := mustEvents(t, log, runID)
	if len(events) != len(res.Events) {
		t.Errorf("log has %d events, replay saw %d", len(events), len(res.Events))
	}
}

func TestReplayUnknownRun(t *testing.T) {
	replayer := NewReplayer(NewMemoryLog())
	_, err := replayer.Replay(context.Background(), "run_missing")
	var re *ReplayError
	if !errors.As(err, &re) {
		t.Fatalf("Replay = %v, want *ReplayError", err)
	}
}

func TestReplayWithExecutionOverlaysPureTools(t *testing.T) {
	log := NewMemoryLog()
	runID := recordAgentRun(t, log, echoTool())
	replayer := NewReplayer(log)

	executed := 0
	res, err := replayer.ReplayWithExecution(context.Background(), runID,
		func(_ context.Context, tool string, input map[string]any) (map[string]any, error) {
			executed++
			if tool != "echo" {
				t.Errorf("re-executed tool = %q, want echo", tool)
			}
			if input["msg"] != "hello" {
				t.Errorf("recorded input = %v, want msg=hello", input)
			}
			return map[string]any{"msg": "hello", "fresh": true}, nil
		})
	if err != nil {
		t.Fatalf("ReplayWithExecution: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executor ran %d times, want 1", executed)
	}
	if len(res.ToolOutputs) != 1 {
		t.Fatalf("ToolOutputs = %d, want 1", len(res.ToolOutputs))
	}
	for _, payload := range res.ToolOutputs {
		if payload["reexecuted"] != true {
			t.Errorf("reexecuted = %v, want true", payload["reexecuted"])
		}
		output, _ := payload["output"].(map[string]any)
		if output["fresh"] != true {
			t.Errorf("output = %v, want fresh overlay", output)
		}
		if payload["output_hash"] == "" || payload["output_hash"] == nil {
			t.Error("overlay missing output_hash")
		}
	}
}

func TestReplayWithExecutionSkipsNonPure(t *testing.T) {
	log := NewMemoryLog()
	// deleteTool is DESTRUCTIVE; allow it so the recorded run has a call.
	runID := recordAgentRun(t, log, deleteTool())
	replayer := NewReplayer(log)

	res, err := replayer.ReplayWithExecution(context.Background(), runID,
		func(_ context.Context, tool string, _ map[string]any) (map[string]any, error) {
			t.Errorf("destructive tool %q re-executed", tool)
			return nil, nil
		})
	if err != nil {
		t.Fatalf("ReplayWithExecution: %v", err)
	}
	for _, payload := range res.ToolOutputs {
		if payload["reexecuted"] != nil {
			t.Error("non-PURE tool tagged reexecuted")
		}
	}
}

func TestReplayWithExecutionFailureAborts(t *testing.T) {
	log := NewMemoryLog()
	runID := recordAgentRun(t, log, echoTool())
	replayer := NewReplayer(log)

	_, err := replayer.ReplayWithExecution(context.Background(), runID,
		func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
			return nil, errors.New("tool gone")
		})
	var re *ReplayError
	if !errors.As(err, &re) {
		t.Fatalf("ReplayWithExecution = %v, want *ReplayError", err)
	}
}

func TestCompareRuns(t *testing.T) {
	log := NewMemoryLog()
	runA := recordAgentRun(t, log, echoTool())
	runB := recordAgentRun(t, log, echoTool())
	replayer := NewReplayer(log)

	cmp, err := replayer.CompareRuns(context.Background(), runA, runB)
	if err != nil {
		t.Fatalf("CompareRuns: %v", err)
	}
	if !cmp.SameStructure {
		t.Error("identical scripts produced different structures")
	}
	if cmp.EventCountA != cmp.EventCountB {
		t.Errorf("event counts %d vs %d", cmp.EventCountA, cmp.EventCountB)
	}

	// A run with an extra step differs structurally.
	provider := &scriptProvider{
		responses: []string{
			`{"action":"tool_call","tool":"echo","input":{"msg":"one"},"reasoning":""}`,
			`{"action":"tool_call","tool":"echo","input":{"msg":"two"},"reasoning":""}`,
			`{"action":"finish","result":"done","reasoning":""}`,
		},
	}
	runner := NewAgentRunner(provider, log, testRegistry(t, echoTool()), testBudget(t))
	resC, err := runner.Run(context.Background(), "longer run")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cmp, err = replayer.CompareRuns(context.Background(), runA, resC.RunID)
	if err != nil {
		t.Fatalf("CompareRuns: %v", err)
	}
	if cmp.SameStructure {
		t.Error("runs of different length reported same structure")
	}
}
