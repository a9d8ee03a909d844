package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tandemsync/tandem/internal/types"
)

// The transform expression language is tiny: column references, string and
// number literals, + - * /, and the functions concat, coalesce and now.

type exprNode interface {
	eval(row map[string]any) (any, error)
}

type litNode struct{ v any }

func (n litNode) eval(map[string]any) (any, error) { return n.v, nil }

type colNode struct{ name string }

func (n colNode) eval(row map[string]any) (any, error) {
	return row[n.name], nil
}

type binNode struct {
	op          byte
	left, right exprNode
}

func (n binNode) eval(row map[string]any) (any, error) {
	l, err := n.left.eval(row)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(row)
	if err != nil {
		return nil, err
	}
	if n.op == '+' {
		if _, ok := l.(string); ok {
			return stringify(l) + stringify(r), nil
		}
		if _, ok := r.(string); ok {
			return stringify(l) + stringify(r), nil
		}
	}
	lf, err := toNumber(l)
	if err != nil {
		return nil, err
	}
	rf, err := toNumber(r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case '+':
		return lf + rf, nil
	case '-':
		return lf - rf, nil
	case '*':
		return lf * rf, nil
	case '/':
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

type negNode struct{ inner exprNode }

func (n negNode) eval(row map[string]any) (any, error) {
	v, err := n.inner.eval(row)
	if err != nil {
		return nil, err
	}
	f, err := toNumber(v)
	if err != nil {
		return nil, err
	}
	return -f, nil
}

type callNode struct {
	fn   string
	args []exprNode
}

func (n callNode) eval(row map[string]any) (any, error) {
	switch n.fn {
	case "now":
		if len(n.args) != 0 {
			return nil, fmt.Errorf("now() takes no arguments")
		}
		return time.Now().UTC().Format(types.TimestampLayout), nil
	case "concat":
		var b strings.Builder
		for _, a := range n.args {
			v, err := a.eval(row)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(v))
		}
		return b.String(), nil
	case "coalesce":
		for _, a := range n.args {
			v, err := a.eval(row)
			if err != nil {
				return nil, err
			}
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown function %q", n.fn)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case nil:
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

type exprParser struct {
	input string
	pos   int
}

func parseExpr(input string) (exprNode, error) {
	p := &exprParser{input: input}
	node, err := p.additive()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", input, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("expression %q: trailing input at offset %d", input, p.pos)
	}
	return node, nil
}

func (p *exprParser) additive() (exprNode, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '+' && p.input[p.pos] != '-') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
}

func (p *exprParser) multiplicative() (exprNode, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || (p.input[p.pos] != '*' && p.input[p.pos] != '/') {
			return left, nil
		}
		op := p.input[p.pos]
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
}

func (p *exprParser) unary() (exprNode, error) {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == '-' {
		p.pos++
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negNode{inner: inner}, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (exprNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	c := p.input[p.pos]

	switch {
	case c == '(':
		p.pos++
		node, err := p.additive()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return node, nil

	case c == '\'' || c == '"':
		return p.stringLit(c)

	case c >= '0' && c <= '9':
		return p.numberLit()

	case isIdentStart(rune(c)):
		name := p.ident()
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '(' {
			return p.call(name)
		}
		return colNode{name: name}, nil
	}
	return nil, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
}

func (p *exprParser) stringLit(quote byte) (exprNode, error) {
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unterminated string literal")
	}
	s := p.input[start:p.pos]
	p.pos++
	return litNode{v: s}, nil
}

func (p *exprParser) numberLit() (exprNode, error) {
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return litNode{v: f}, nil
}

func (p *exprParser) ident() string {
	start := p.pos
	for p.pos < len(p.input) && isIdentPart(rune(p.input[p.pos])) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *exprParser) call(name string) (exprNode, error) {
	p.pos++ // consume '('
	var args []exprNode
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == ')' {
		p.pos++
		return callNode{fn: name, args: args}, nil
	}
	for {
		arg, err := p.additive()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		p.skipSpace()
		if p.pos >= len(p.input) {
			return nil, fmt.Errorf("unterminated call to %s", name)
		}
		switch p.input[p.pos] {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return callNode{fn: name, args: args}, nil
		default:
			return nil, fmt.Errorf("unexpected character %q in call to %s", p.input[p.pos], name)
		}
	}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
