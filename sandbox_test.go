package kiln

import (
	"strings"
	"testing"
)

func TestSandboxArithmeticAndPersistence(t *testing.T) {
	s := NewSandbox()

	res := s.Exec("x = 2 + 3 * 4")
	if !res.Success {
		t.Fatalf("Exec failed: %s: %s", res.ErrorType, res.ErrorMessage)
	}
	if v, _ := s.Get("x"); v != int64(14) {
		t.Errorf("x = %v (%T), want int64 14", v, v)
	}

	// Namespace persists across Exec calls.
	res = s.Exec("y = x * 2")
	if !res.Success {
		t.Fatalf("Exec failed: %s", res.ErrorMessage)
	}
	if v, _ := s.Get("y"); v != int64(28) {
		t.Errorf("y = %v, want 28", v)
	}
}

func TestSandboxDivisionPromotesToFloat(t *testing.T) {
	s := NewSandbox()
	s.Exec("q = 7 / 2")
	if v, _ := s.Get("q"); v != float64(3.5) {
		t.Errorf("q = %v (%T), want float64 3.5", v, v)
	}
	res := s.Exec("z = 1 / 0")
	if res.Success || res.ErrorType != ErrTypeRuntime {
		t.Errorf("division by zero: success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestSandboxRuntimeErrorKeepsEarlierAssignments(t *testing.T) {
	s := NewSandbox()
	res := s.Exec("a = 1\nb = 2\nc = undefined_name\nd = 4")
	if res.Success {
		t.Fatal("expected runtime error")
	}
	if res.ErrorType != ErrTypeRuntime {
		t.Errorf("error type = %s, want %s", res.ErrorType, ErrTypeRuntime)
	}
	if v, ok := s.Get("a"); !ok || v != int64(1) {
		t.Errorf("a = %v %v, want 1 true", v, ok)
	}
	if v, ok := s.Get("b"); !ok || v != int64(2) {
		t.Errorf("b = %v %v, want 2 true", v, ok)
	}
	if _, ok := s.Get("d"); ok {
		t.Error("statement after the failure executed")
	}
}

func TestSandboxSyntaxErrorLeavesNamespaceUntouched(t *testing.T) {
	s := NewSandbox()
	s.Exec("a = 1")
	res := s.Exec("b = 2\nc = = 3")
	if res.Success || res.ErrorType != ErrTypeSyntax {
		t.Fatalf("success=%v type=%s, want syntax_error", res.Success, res.ErrorType)
	}
	if _, ok := s.Get("b"); ok {
		t.Error("partial program executed despite syntax error")
	}
	if v, _ := s.Get("a"); v != int64(1) {
		t.Errorf("a = %v, want 1", v)
	}
}

func TestSandboxPrecheckRejections(t *testing.T) {
	s := NewSandbox()
	cases := []struct {
		name string
		code string
		want string
	}{
		{"open", `f = open("x")`, `forbidden token "open("`},
		{"eval", `eval("1")`, `forbidden token "eval("`},
		{"import", "import os", "import statements are not allowed"},
		{"from_import", "from os import path", "import statements are not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := s.Exec(tc.code)
			if res.Success {
				t.Fatal("expected precheck rejection")
			}
			if res.ErrorType != ErrTypePrecheck {
				t.Errorf("error type = %s, want %s", res.ErrorType, ErrTypePrecheck)
			}
			if !strings.Contains(res.ErrorMessage, tc.want) {
				t.Errorf("message = %q, want containing %q", res.ErrorMessage, tc.want)
			}
		})
	}
}

func TestSandboxPrintCapturesStdout(t *testing.T) {
	s := NewSandbox()
	res := s.Exec(`print("total:", 1 + 2)` + "\nprint(True)")
	if !res.Success {
		t.Fatalf("Exec failed: %s", res.ErrorMessage)
	}
	if want := "total: 3\nTrue\n"; res.Stdout != want {
		t.Errorf("stdout = %q, want %q", res.Stdout, want)
	}
}

func TestSandboxBuiltins(t *testing.T) {
	s := NewSandbox()
	cases := []struct {
		code string
		name string
		want any
	}{
		{`n = len("hello")`, "n", int64(5)},
		{`u = upper("abc")`, "u", "ABC"},
		{`t = sum([1, 2, 3])`, "t", int64(6)},
		{`m = max(3, 9, 4)`, "m", int64(9)},
		{`r = round(3.14159, 2)`, "r", float64(3.14)},
		{`j = join(["a", "b"], "-")`, "j", "a-b"},
		{`c = contains([1, 2], 2)`, "c", true},
		{`i = int("41") + 1`, "i", int64(42)},
	}
	for _, tc := range cases {
		res := s.Exec(tc.code)
		if !res.Success {
			t.Errorf("%s: %s: %s", tc.code, res.ErrorType, res.ErrorMessage)
			continue
		}
		if v, _ := s.Get(tc.name); v != tc.want {
			t.Errorf("%s: got %v (%T), want %v", tc.code, v, v, tc.want)
		}
	}
}

func TestSandboxRangeCap(t *testing.T) {
	s := NewSandbox()
	res := s.Exec("xs = range(100001)")
	if res.Success || res.ErrorType != ErrTypeRuntime {
		t.Errorf("range over cap: success=%v type=%s, want runtime_error", res.Success, res.ErrorType)
	}
}

func TestSandboxInjectedFuncs(t *testing.T) {
	s := NewSandbox(WithSandboxFuncs(map[string]SandboxFunc{
		"double": func(args ...any) (any, error) {
			n, _ := args[0].(int64)
			return n * 2, nil
		},
	}))
	res := s.Exec("v = double(21)")
	if !res.Success {
		t.Fatalf("Exec failed: %s", res.ErrorMessage)
	}
	if v, _ := s.Get("v"); v != int64(42) {
		t.Errorf("v = %v, want 42", v)
	}

	// Unknown names stay uncallable: the table is fixed at construction.
	res = s.Exec("w = triple(1)")
	if res.Success || res.ErrorType != ErrTypeRuntime {
		t.Errorf("unknown call: success=%v type=%s", res.Success, res.ErrorType)
	}
}

func TestSandboxSnapshot(t *testing.T) {
	s := NewSandbox()
	s.Exec("x = 1")
	s.Exec(`_hidden = "secret"`)
	s.Exec(`big = "` + strings.Repeat("a", 300) + `"`)

	state := s.Snapshot()
	if state.IterationCount != 3 {
		t.Errorf("IterationCount = %d, want 3", state.IterationCount)
	}
	if _, ok := state.Variables["_hidden"]; ok {
		t.Error("underscore-prefixed variable leaked into snapshot")
	}
	if state.HasFinal {
		t.Error("HasFinal = true before FINAL is assigned")
	}
	big := state.Variables["big"]
	if len([]rune(big)) != snapshotTruncateLen {
		t.Errorf("truncated repr length = %d, want %d", len([]rune(big)), snapshotTruncateLen)
	}
	if !strings.HasSuffix(big, "...") {
		t.Errorf("truncated repr %q does not end with ellipsis", big[len(big)-10:])
	}

	s.Exec("FINAL = x + 41")
	state = s.Snapshot()
	if !state.HasFinal {
		t.Fatal("HasFinal = false after assignment")
	}
	if state.FinalValue != "42" {
		t.Errorf("FinalValue = %q, want \"42\"", state.FinalValue)
	}
}

func TestSandboxFinalValueIsText(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{`FINAL = 6 * 7`, "42"},
		{`FINAL = "Paris"`, "Paris"},
		{`FINAL = 1.5`, "1.5"},
		{`FINAL = 1 < 2`, "True"},
		{`FINAL = [1, 2, 3]`, "[1, 2, 3]"},
	}
	for _, tt := range tests {
		s := NewSandbox()
		if res := s.Exec(tt.code); !res.Success {
			t.Fatalf("Exec(%q): %s", tt.code, res.ErrorMessage)
		}
		state := s.Snapshot()
		if !state.HasFinal {
			t.Fatalf("Exec(%q): HasFinal = false", tt.code)
		}
		if state.FinalValue != tt.want {
			t.Errorf("Exec(%q): FinalValue = %q, want %q", tt.code, state.FinalValue, tt.want)
		}
	}
}

func TestSandboxReset(t *testing.T) {
	s := NewSandbox(WithSandboxVars(map[string]any{"seed": int64(7)}))
	if v, _ := s.Get("seed"); v != int64(7) {
		t.Fatalf("seed = %v, want 7", v)
	}
	s.Exec("x = seed + 1")
	s.Reset()
	if _, ok := s.Get("x"); ok {
		t.Error("x survived Reset")
	}
	if state := s.Snapshot(); state.IterationCount != 0 {
		t.Errorf("IterationCount after Reset = %d, want 0", state.IterationCount)
	}
}

func TestSandboxComparisonsAndLogic(t *testing.T) {
	s := NewSandbox()
	cases := []struct {
		code string
		name string
		want any
	}{
		{"a = 1 == 1.0", "a", true},
		{"b = True and not False", "b", true},
		{"c = 1 > 2 or 3 <= 3", "c", true},
		{`d = "abc" != "abd"`, "d", true},
		{"e = [1, 2] == [1, 2]", "e", true},
	}
	for _, tc := range cases {
		res := s.Exec(tc.code)
		if !res.Success {
			t.Errorf("%s: %s", tc.code, res.ErrorMessage)
			continue
		}
		if v, _ := s.Get(tc.name); v != tc.want {
			t.Errorf("%s: got %v, want %v", tc.code, v, tc.want)
		}
	}
}
