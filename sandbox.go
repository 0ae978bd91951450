package kiln

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// SandboxFunc is a function callable from sandbox code. Args arrive as
// interpreter values (int64, float64, string, bool, []any, nil). A
// returned error aborts the executing statement and is reported as a
// runtime error; the namespace keeps whatever assignments already ran.
type SandboxFunc func(args ...any) (any, error)

// ExecResult reports one Exec call. A false Success never corrupts the
// namespace beyond the statements that completed before the failure.
type ExecResult struct {
	Success      bool
	Stdout       string
	ErrorType    string
	ErrorMessage string
}

// REPLState is the machine-readable snapshot handed back to a driving
// model: visible variables as truncated printable representations, plus
// whether the special name FINAL has been assigned. FinalValue carries
// the printable form of FINAL, so a non-string answer surfaces as text.
type REPLState struct {
	Variables      map[string]string `json:"variables"`
	HasFinal       bool              `json:"has_final"`
	FinalValue     string            `json:"final_value"`
	IterationCount int               `json:"iteration_count"`
}

const snapshotTruncateLen = 200

// Error types carried in ExecResult.ErrorType.
const (
	ErrTypePrecheck = "precheck_error"
	ErrTypeSyntax   = "syntax_error"
	ErrTypeRuntime  = "runtime_error"
)

// Sandbox executes code strings in a small imperative expression language
// over a persistent namespace. The callable surface is a fixed table
// frozen at construction: the builtin primitives plus whatever the
// caller injected. Code can never extend it.
//
// This is a correctness sandbox, not a security boundary against
// adversarial code.
type Sandbox struct {
	mu         sync.Mutex
	vars       map[string]any
	funcs      map[string]SandboxFunc
	iterations int
}

// SandboxOption configures a Sandbox at construction.
type SandboxOption func(*Sandbox)

// WithSandboxVars seeds initial namespace variables.
func WithSandboxVars(vars map[string]any) SandboxOption {
	return func(s *Sandbox) {
		for k, v := range vars {
			s.vars[k] = v
		}
	}
}

// WithSandboxFuncs injects caller functions into the callable table.
// Injected names shadow builtins of the same name.
func WithSandboxFuncs(funcs map[string]SandboxFunc) SandboxOption {
	return func(s *Sandbox) {
		for k, f := range funcs {
			s.funcs[k] = f
		}
	}
}

// NewSandbox creates a sandbox with the builtin table installed.
func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		vars:  make(map[string]any),
		funcs: builtinTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// forbiddenTokens are rejected anywhere in the source after NFKC
// normalization, so homoglyph variants of the call spellings are caught
// too.
var forbiddenTokens = []string{"open(", "eval(", "exec(", "__import__("}

// precheck statically rejects source that tries to reach outside the
// sandbox language. It runs before parsing on the NFKC-normalized text.
func precheck(src string) error {
	normalized := norm.NFKC.String(src)
	for _, tok := range forbiddenTokens {
		if strings.Contains(normalized, tok) {
			return fmt.Errorf("forbidden token %q", tok)
		}
	}
	for _, line := range strings.Split(normalized, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "import ") || trimmed == "import" ||
			strings.HasPrefix(trimmed, "from ") || trimmed == "from" {
			return fmt.Errorf("import statements are not allowed")
		}
	}
	return nil
}

// Exec runs code against the namespace. Statements execute in order;
// the first failure stops execution and is reported in the result, with
// earlier assignments retained.
func (s *Sandbox) Exec(code string) ExecResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations++

	if err := precheck(code); err != nil {
		return ExecResult{ErrorType: ErrTypePrecheck, ErrorMessage: err.Error()}
	}

	stmts, err := parseCode(code)
	if err != nil {
		return ExecResult{ErrorType: ErrTypeSyntax, ErrorMessage: err.Error()}
	}

	var stdout strings.Builder
	ev := &evaluator{sandbox: s, stdout: &stdout}
	for _, st := range stmts {
		val, err := ev.eval(st.expr)
		if err != nil {
			return ExecResult{
				Stdout:       stdout.String(),
				ErrorType:    ErrTypeRuntime,
				ErrorMessage: fmt.Sprintf("line %d: %v", st.line, err),
			}
		}
		if st.target != "" {
			s.vars[st.target] = val
		}
	}
	return ExecResult{Success: true, Stdout: stdout.String()}
}

// Get returns a namespace variable.
func (s *Sandbox) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// Set assigns a namespace variable from the host side.
func (s *Sandbox) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Snapshot returns the visible namespace. Names beginning with an
// underscore are hidden; representations are truncated to 200 chars.
func (s *Sandbox) Snapshot() REPLState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := REPLState{
		Variables:      make(map[string]string),
		IterationCount: s.iterations,
	}
	for name, v := range s.vars {
		if strings.HasPrefix(name, "_") {
			continue
		}
		state.Variables[name] = truncateRepr(formatValue(v), snapshotTruncateLen)
	}
	if final, ok := s.vars["FINAL"]; ok {
		state.HasFinal = true
		state.FinalValue = printValue(final)
	}
	return state
}

// Reset clears the namespace and iteration count. The callable table is
// unaffected.
func (s *Sandbox) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars = make(map[string]any)
	s.iterations = 0
}

func truncateRepr(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// evaluator walks one Exec call's statements. It holds the stdout
// capture so print output stays scoped to the call.
type evaluator struct {
	sandbox *Sandbox
	stdout  *strings.Builder
}

func (ev *evaluator) eval(n exprNode) (any, error) {
	switch node := n.(type) {
	case litNode:
		return node.value, nil
	case varNode:
		v, ok := ev.sandbox.vars[node.name]
		if !ok {
			return nil, fmt.Errorf("name %q is not defined", node.name)
		}
		return v, nil
	case listNode:
		items := make([]any, 0, len(node.items))
		for _, it := range node.items {
			v, err := ev.eval(it)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case unaryNode:
		return ev.evalUnary(node)
	case binaryNode:
		return ev.evalBinary(node)
	case callNode:
		return ev.evalCall(node)
	}
	return nil, fmt.Errorf("unknown expression node %T", n)
}

func (ev *evaluator) evalUnary(n unaryNode) (any, error) {
	x, err := ev.eval(n.x)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "-":
		switch v := x.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
		return nil, fmt.Errorf("unary - needs a number, got %s", valueTypeName(x))
	case "not":
		return !truthy(x), nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

func (ev *evaluator) evalBinary(n binaryNode) (any, error) {
	if n.op == "and" || n.op == "or" {
		l, err := ev.eval(n.l)
		if err != nil {
			return nil, err
		}
		// Short-circuit, returning the deciding operand like the
		// expression languages models are used to.
		if n.op == "and" {
			if !truthy(l) {
				return l, nil
			}
		} else if truthy(l) {
			return l, nil
		}
		return ev.eval(n.r)
	}

	l, err := ev.eval(n.l)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(n.r)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		return evalAdd(l, r)
	case "-", "*", "/", "%":
		return evalArith(n.op, l, r)
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return evalCompare(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func (ev *evaluator) evalCall(n callNode) (any, error) {
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if n.name == "print" {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = printValue(a)
		}
		ev.stdout.WriteString(strings.Join(parts, " "))
		ev.stdout.WriteString("\n")
		return nil, nil
	}
	fn, ok := ev.sandbox.funcs[n.name]
	if !ok {
		return nil, fmt.Errorf("function %q is not defined", n.name)
	}
	out, err := fn(args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return out, nil
}

func evalAdd(l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls + rs, nil
		}
	}
	if ll, ok := l.([]any); ok {
		if rl, ok := r.([]any); ok {
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			return append(out, rl...), nil
		}
	}
	return evalArith("+", l, r)
}

// evalArith applies a numeric operator. Two ints stay int except for
// division, which always produces a float.
func evalArith(op string, l, r any) (any, error) {
	li, lIsInt := l.(int64)
	ri, rIsInt := r.(int64)
	if lIsInt && rIsInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return li % ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return float64(li) / float64(ri), nil
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %s and %s", op, valueTypeName(l), valueTypeName(r))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		return nil, fmt.Errorf("modulo needs integers")
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func evalCompare(op string, l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot compare %s and %s", valueTypeName(l), valueTypeName(r))
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func valuesEqual(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		_, lb := l.(bool)
		_, rb := r.(bool)
		if !lb && !rb {
			return lf == rf
		}
	}
	if ll, ok := l.([]any); ok {
		rl, ok := r.([]any)
		if !ok || len(ll) != len(rl) {
			return false
		}
		for i := range ll {
			if !valuesEqual(ll[i], rl[i]) {
				return false
			}
		}
		return true
	}
	return l == r
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func valueTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

// formatValue renders a value the way a snapshot or metadata block shows
// it: strings quoted, lists bracketed, floats in shortest form.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return strconv.Quote(x)
	case []any:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = formatValue(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", v)
}

// printValue is formatValue without string quoting, matching what print
// writes to stdout.
func printValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return formatValue(v)
}

func parseIntLiteral(text string) int64 {
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// Overflowing literals degrade to float rather than failing the
		// whole parse.
		f, _ := strconv.ParseFloat(text, 64)
		return int64(f)
	}
	return n
}

func parseFloatLiteral(text string) float64 {
	f, _ := strconv.ParseFloat(text, 64)
	return f
}

// builtinTable returns the fixed set of safe primitives available to
// sandbox code.
func builtinTable() map[string]SandboxFunc {
	return map[string]SandboxFunc{
		"len":      builtinLen,
		"str":      builtinStr,
		"int":      builtinInt,
		"float":    builtinFloat,
		"abs":      builtinAbs,
		"min":      builtinMin,
		"max":      builtinMax,
		"sum":      builtinSum,
		"round":    builtinRound,
		"upper":    builtinUpper,
		"lower":    builtinLower,
		"split":    builtinSplit,
		"join":     builtinJoin,
		"contains": builtinContains,
		"range":    builtinRange,
		"sorted":   builtinSorted,
	}
}

func wantArgs(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	_ = name
	return nil
}

func builtinLen(args ...any) (any, error) {
	if err := wantArgs("len", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case string:
		return int64(len([]rune(x))), nil
	case []any:
		return int64(len(x)), nil
	}
	return nil, fmt.Errorf("len needs a string or list, got %s", valueTypeName(args[0]))
}

func builtinStr(args ...any) (any, error) {
	if err := wantArgs("str", args, 1); err != nil {
		return nil, err
	}
	return printValue(args[0]), nil
}

func builtinInt(args ...any) (any, error) {
	if err := wantArgs("int", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int", x)
		}
		return n, nil
	}
	return nil, fmt.Errorf("cannot convert %s to int", valueTypeName(args[0]))
}

func builtinFloat(args ...any) (any, error) {
	if err := wantArgs("float", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to float", x)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %s to float", valueTypeName(args[0]))
}

func builtinAbs(args ...any) (any, error) {
	if err := wantArgs("abs", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, fmt.Errorf("abs needs a number, got %s", valueTypeName(args[0]))
}

// numericArgs flattens min/max/sum style arguments: either one list or
// several scalars.
func numericArgs(name string, args []any) ([]float64, bool, error) {
	vals := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			vals = list
		}
	}
	if len(vals) == 0 {
		return nil, false, fmt.Errorf("%s of empty sequence", name)
	}
	out := make([]float64, len(vals))
	allInt := true
	for i, v := range vals {
		f, ok := toFloat(v)
		if !ok {
			return nil, false, fmt.Errorf("%s needs numbers, got %s", name, valueTypeName(v))
		}
		if _, isInt := v.(int64); !isInt {
			allInt = false
		}
		out[i] = f
	}
	return out, allInt, nil
}

func builtinMin(args ...any) (any, error) {
	vals, allInt, err := numericArgs("min", args)
	if err != nil {
		return nil, err
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	if allInt {
		return int64(m), nil
	}
	return m, nil
}

func builtinMax(args ...any) (any, error) {
	vals, allInt, err := numericArgs("max", args)
	if err != nil {
		return nil, err
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	if allInt {
		return int64(m), nil
	}
	return m, nil
}

func builtinSum(args ...any) (any, error) {
	if err := wantArgs("sum", args, 1); err != nil {
		return nil, err
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sum needs a list, got %s", valueTypeName(args[0]))
	}
	var total float64
	allInt := true
	for _, v := range list {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("sum needs numbers, got %s", valueTypeName(v))
		}
		if _, isInt := v.(int64); !isInt {
			allInt = false
		}
		total += f
	}
	if allInt {
		return int64(total), nil
	}
	return total, nil
}

func builtinRound(args ...any) (any, error) {
	if len(args) == 2 {
		f, ok := toFloat(args[0])
		digits, dok := args[1].(int64)
		if !ok || !dok {
			return nil, fmt.Errorf("round needs (number, int)")
		}
		scale := math.Pow(10, float64(digits))
		return math.Round(f*scale) / scale, nil
	}
	if err := wantArgs("round", args, 1); err != nil {
		return nil, err
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("round needs a number, got %s", valueTypeName(args[0]))
	}
	return int64(math.Round(f)), nil
}

func builtinUpper(args ...any) (any, error) {
	if err := wantArgs("upper", args, 1); err != nil {
		return nil, err
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("upper needs a string, got %s", valueTypeName(args[0]))
	}
	return strings.ToUpper(s), nil
}

func builtinLower(args ...any) (any, error) {
	if err := wantArgs("lower", args, 1); err != nil {
		return nil, err
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("lower needs a string, got %s", valueTypeName(args[0]))
	}
	return strings.ToLower(s), nil
}

func builtinSplit(args ...any) (any, error) {
	if err := wantArgs("split", args, 2); err != nil {
		return nil, err
	}
	s, sok := args[0].(string)
	sep, pok := args[1].(string)
	if !sok || !pok {
		return nil, fmt.Errorf("split needs (string, string)")
	}
	var parts []string
	if sep == "" {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, sep)
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func builtinJoin(args ...any) (any, error) {
	if err := wantArgs("join", args, 2); err != nil {
		return nil, err
	}
	list, lok := args[0].([]any)
	sep, sok := args[1].(string)
	if !lok || !sok {
		return nil, fmt.Errorf("join needs (list, string)")
	}
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = printValue(v)
	}
	return strings.Join(parts, sep), nil
}

func builtinContains(args ...any) (any, error) {
	if err := wantArgs("contains", args, 2); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case string:
		sub, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on a string needs a string argument")
		}
		return strings.Contains(x, sub), nil
	case []any:
		for _, v := range x {
			if valuesEqual(v, args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("contains needs a string or list, got %s", valueTypeName(args[0]))
}

func builtinRange(args ...any) (any, error) {
	var start, stop int64
	switch len(args) {
	case 1:
		n, ok := args[0].(int64)
		if !ok {
			return nil, fmt.Errorf("range needs ints")
		}
		stop = n
	case 2:
		a, aok := args[0].(int64)
		b, bok := args[1].(int64)
		if !aok || !bok {
			return nil, fmt.Errorf("range needs ints")
		}
		start, stop = a, b
	default:
		return nil, fmt.Errorf("range needs 1 or 2 arguments, got %d", len(args))
	}
	if stop-start > 100000 {
		return nil, fmt.Errorf("range too large")
	}
	var out []any
	for i := start; i < stop; i++ {
		out = append(out, i)
	}
	return out, nil
}

func builtinSorted(args ...any) (any, error) {
	if err := wantArgs("sorted", args, 1); err != nil {
		return nil, err
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sorted needs a list, got %s", valueTypeName(args[0]))
	}
	out := make([]any, len(list))
	copy(out, list)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		if si, ok := out[i].(string); ok {
			if sj, ok := out[j].(string); ok {
				return si < sj
			}
		}
		fi, iok := toFloat(out[i])
		fj, jok := toFloat(out[j])
		if !iok || !jok {
			if sortErr == nil {
				sortErr = fmt.Errorf("sorted: cannot order %s and %s", valueTypeName(out[i]), valueTypeName(out[j]))
			}
			return false
		}
		return fi < fj
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}
