package kiln

import (
	"fmt"
	"strings"
	"unicode"
)

// The sandbox language is a small imperative expression language:
// newline/semicolon-separated statements, each either `name = expr` or a
// bare expression. Expressions cover literals, lists, variables,
// arithmetic, comparisons, boolean operators, and calls into the
// sandbox's function table. There are no loops, definitions, or attribute
// access; anything iterative goes through builtins like sum and join.

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNewline
	tokenIdent
	tokenInt
	tokenFloat
	tokenString
	tokenOp
)

type token struct {
	kind tokenKind
	text string
	line int
}

type syntaxError struct {
	line int
	msg  string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line, e.msg)
}

// lexCode tokenizes source, folding comments and horizontal whitespace.
func lexCode(src string) ([]token, error) {
	var toks []token
	line := 1
	runes := []rune(src)
	i := 0

	emit := func(kind tokenKind, text string) {
		toks = append(toks, token{kind: kind, text: text, line: line})
	}

	for i < len(runes) {
		c := runes[i]
		switch {
		case c == '\n':
			emit(tokenNewline, "\n")
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			quote := c
			i++
			var sb strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) {
					switch runes[i+1] {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case '\\', '\'', '"':
						sb.WriteRune(runes[i+1])
					default:
						sb.WriteRune('\\')
						sb.WriteRune(runes[i+1])
					}
					i += 2
					continue
				}
				if runes[i] == quote {
					closed = true
					i++
					break
				}
				if runes[i] == '\n' {
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, &syntaxError{line: line, msg: "unterminated string literal"}
			}
			emit(tokenString, sb.String())
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			isFloat := false
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			if i < len(runes) && runes[i] == '.' {
				isFloat = true
				i++
				for i < len(runes) && unicode.IsDigit(runes[i]) {
					i++
				}
			}
			if i < len(runes) && (runes[i] == 'e' || runes[i] == 'E') {
				j := i + 1
				if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
					j++
				}
				if j < len(runes) && unicode.IsDigit(runes[j]) {
					isFloat = true
					i = j
					for i < len(runes) && unicode.IsDigit(runes[i]) {
						i++
					}
				}
			}
			text := string(runes[start:i])
			if isFloat {
				emit(tokenFloat, text)
			} else {
				emit(tokenInt, text)
			}
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			emit(tokenIdent, string(runes[start:i]))
		default:
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=":
				emit(tokenOp, two)
				i += 2
				continue
			}
			switch c {
			case '+', '-', '*', '/', '%', '(', ')', '[', ']', ',', '=', '<', '>', ';':
				emit(tokenOp, string(c))
				i++
			default:
				return nil, &syntaxError{line: line, msg: fmt.Sprintf("unexpected character %q", string(c))}
			}
		}
	}
	emit(tokenEOF, "")
	return toks, nil
}

// AST nodes. The evaluator switches on these concrete types.

type litNode struct {
	value any
}

type varNode struct {
	name string
	line int
}

type listNode struct {
	items []exprNode
}

type unaryNode struct {
	op   string
	x    exprNode
	line int
}

type binaryNode struct {
	op   string
	l, r exprNode
	line int
}

type callNode struct {
	name string
	args []exprNode
	line int
}

type exprNode interface{}

// statement is one line of the program: an assignment when target is
// non-empty, otherwise a bare expression evaluated for effect.
type statement struct {
	target string
	expr   exprNode
	line   int
}

type parser struct {
	toks []token
	pos  int
}

// parseCode lexes and parses a full program. Nothing executes on a
// syntax error, so a failed parse leaves the namespace untouched.
func parseCode(src string) ([]statement, error) {
	toks, err := lexCode(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var stmts []statement
	for {
		p.skipSeparators()
		if p.peek().kind == tokenEOF {
			return stmts, nil
		}
		st, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
		next := p.peek()
		if next.kind != tokenEOF && next.kind != tokenNewline && !(next.kind == tokenOp && next.text == ";") {
			return nil, &syntaxError{line: next.line, msg: fmt.Sprintf("unexpected %q after statement", next.text)}
		}
	}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) skipSeparators() {
	for {
		t := p.peek()
		if t.kind == tokenNewline || (t.kind == tokenOp && t.text == ";") {
			p.next()
			continue
		}
		return
	}
}

func (p *parser) parseStatement() (statement, error) {
	t := p.peek()
	if t.kind == tokenIdent && !isKeyword(t.text) {
		after := p.toks[p.pos+1]
		if after.kind == tokenOp && after.text == "=" {
			p.next()
			p.next()
			expr, err := p.parseExpr()
			if err != nil {
				return statement{}, err
			}
			return statement{target: t.text, expr: expr, line: t.line}, nil
		}
	}
	expr, err := p.parseExpr()
	if err != nil {
		return statement{}, err
	}
	return statement{expr: expr, line: t.line}, nil
}

func isKeyword(s string) bool {
	switch s {
	case "and", "or", "not", "True", "False", "None", "true", "false", "none":
		return true
	}
	return false
}

// Precedence climbing: or < and < not < comparison < additive <
// multiplicative < unary minus < primary.

func (p *parser) parseExpr() (exprNode, error) { return p.parseOr() }

func (p *parser) parseOr() (exprNode, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenIdent && p.peek().text == "or" {
		line := p.next().line
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: "or", l: l, r: r, line: line}
	}
	return l, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenIdent && p.peek().text == "and" {
		line := p.next().line
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: "and", l: l, r: r, line: line}
	}
	return l, nil
}

func (p *parser) parseNot() (exprNode, error) {
	if p.peek().kind == tokenIdent && p.peek().text == "not" {
		line := p.next().line
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", x: x, line: line}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (exprNode, error) {
	l, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokenOp {
			return l, nil
		}
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			l = binaryNode{op: t.text, l: l, r: r, line: t.line}
		default:
			return l, nil
		}
	}
}

func (p *parser) parseAdditive() (exprNode, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokenOp && (t.text == "+" || t.text == "-") {
			p.next()
			r, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}
			l = binaryNode{op: t.text, l: l, r: r, line: t.line}
			continue
		}
		return l, nil
	}
}

func (p *parser) parseMultiplicative() (exprNode, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokenOp && (t.text == "*" || t.text == "/" || t.text == "%") {
			p.next()
			r, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			l = binaryNode{op: t.text, l: l, r: r, line: t.line}
			continue
		}
		return l, nil
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	t := p.peek()
	if t.kind == tokenOp && t.text == "-" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", x: x, line: t.line}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokenInt:
		return litNode{value: parseIntLiteral(t.text)}, nil
	case tokenFloat:
		return litNode{value: parseFloatLiteral(t.text)}, nil
	case tokenString:
		return litNode{value: t.text}, nil
	case tokenIdent:
		switch t.text {
		case "True", "true":
			return litNode{value: true}, nil
		case "False", "false":
			return litNode{value: false}, nil
		case "None", "none":
			return litNode{value: nil}, nil
		case "and", "or", "not":
			return nil, &syntaxError{line: t.line, msg: fmt.Sprintf("unexpected keyword %q", t.text)}
		}
		if p.peek().kind == tokenOp && p.peek().text == "(" {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return callNode{name: t.text, args: args, line: t.line}, nil
		}
		return varNode{name: t.text, line: t.line}, nil
	case tokenOp:
		switch t.text {
		case "(":
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if c := p.next(); c.kind != tokenOp || c.text != ")" {
				return nil, &syntaxError{line: t.line, msg: "missing closing parenthesis"}
			}
			return expr, nil
		case "[":
			var items []exprNode
			p.skipSeparators()
			if p.peek().kind == tokenOp && p.peek().text == "]" {
				p.next()
				return listNode{}, nil
			}
			for {
				item, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				p.skipSeparators()
				c := p.next()
				if c.kind == tokenOp && c.text == "," {
					p.skipSeparators()
					if p.peek().kind == tokenOp && p.peek().text == "]" {
						p.next()
						return listNode{items: items}, nil
					}
					continue
				}
				if c.kind == tokenOp && c.text == "]" {
					return listNode{items: items}, nil
				}
				return nil, &syntaxError{line: c.line, msg: "missing closing bracket in list"}
			}
		}
	}
	return nil, &syntaxError{line: t.line, msg: fmt.Sprintf("unexpected token %q", t.text)}
}

func (p *parser) parseArgs() ([]exprNode, error) {
	var args []exprNode
	p.skipSeparators()
	if p.peek().kind == tokenOp && p.peek().text == ")" {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipSeparators()
		c := p.next()
		if c.kind == tokenOp && c.text == "," {
			p.skipSeparators()
			continue
		}
		if c.kind == tokenOp && c.text == ")" {
			return args, nil
		}
		return nil, &syntaxError{line: c.line, msg: "missing closing parenthesis in call"}
	}
}
