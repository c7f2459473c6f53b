package rules

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Formula grammar, lowest precedence first:
//
//	formula  = [ident "="] expr
//	expr     = or ["?" expr ":" expr]
//	or       = and {"||" and}
//	and      = eq {"&&" eq}
//	eq       = cmp {("==" | "!=") cmp}
//	cmp      = add {("<" | "<=" | ">" | ">=") add}
//	add      = mul {("+" | "-") mul}
//	mul      = unary {("*" | "/") unary}
//	unary    = ("-" | "!") unary | primary
//	primary  = number | string | "true" | "false" | ident | "(" expr ")"
//
// Identifiers may contain dots to reach into nested input objects.

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokStr
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNum, string(rs[start:i]), start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		case c == '"' || c == '\'':
			start := i
			i++
			var sb strings.Builder
			for i < len(rs) && rs[i] != c {
				sb.WriteRune(rs[i])
				i++
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			i++
			toks = append(toks, token{tokStr, sb.String(), start})
		default:
			if i+1 < len(rs) {
				two := string(rs[i : i+2])
				switch two {
				case "<=", ">=", "==", "!=", "&&", "||":
					toks = append(toks, token{tokOp, two, i})
					i += 2
					continue
				}
			}
			if strings.ContainsRune("+-*/()<>!?:=", c) {
				toks = append(toks, token{tokOp, string(c), i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

// node is a parsed expression.
type node interface {
	eval(r *reader) (value, error)
	String() string
}

type numLit struct {
	v    decimal.Decimal
	text string
}

type strLit struct{ s string }

type varRef struct{ name string }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type condNode struct{ cond, a, b node }

func (n numLit) String() string    { return n.text }
func (n strLit) String() string    { return fmt.Sprintf("%q", n.s) }
func (n varRef) String() string    { return n.name }
func (n unaryNode) String() string { return n.op + wrap(n.x, len(levels), false) }
func (n binaryNode) String() string {
	p := precedence(n.op)
	return wrap(n.l, p, false) + n.op + wrap(n.r, p, true)
}
func (n condNode) String() string {
	return n.cond.String() + " ? " + n.a.String() + " : " + n.b.String()
}

func precedence(op string) int {
	for i, lv := range levels {
		for _, o := range lv {
			if o == op {
				return i
			}
		}
	}
	return -1
}

// wrap parenthesizes child when printing it bare would change its meaning.
func wrap(child node, parent int, right bool) string {
	switch c := child.(type) {
	case binaryNode:
		if p := precedence(c.op); p < parent || (right && p == parent) {
			return "(" + c.String() + ")"
		}
	case condNode:
		return "(" + c.String() + ")"
	}
	return child.String()
}

func (n numLit) eval(*reader) (value, error) { return numVal(n.v), nil }
func (n strLit) eval(*reader) (value, error) { return strVal(n.s), nil }

func (n varRef) eval(r *reader) (value, error) {
	v, present, err := r.get(n.name)
	if err != nil {
		return value{}, err
	}
	if !present {
		return value{}, missingVar(n.name)
	}
	return v, nil
}

func (n unaryNode) eval(r *reader) (value, error) {
	x, err := n.x.eval(r)
	if err != nil {
		return value{}, err
	}
	if n.op == "!" {
		return boolVal(!x.truthy()), nil
	}
	if x.isStr {
		return value{}, typeMismatch("", "cannot negate string %q", x.str)
	}
	return numVal(x.num.Neg()), nil
}

func (n binaryNode) eval(r *reader) (value, error) {
	l, err := n.l.eval(r)
	if err != nil {
		return value{}, err
	}
	// Logical operators short-circuit so untaken operands are never read.
	switch n.op {
	case "&&":
		if !l.truthy() {
			return boolVal(false), nil
		}
		rv, err := n.r.eval(r)
		if err != nil {
			return value{}, err
		}
		return boolVal(rv.truthy()), nil
	case "||":
		if l.truthy() {
			return boolVal(true), nil
		}
		rv, err := n.r.eval(r)
		if err != nil {
			return value{}, err
		}
		return boolVal(rv.truthy()), nil
	}

	rv, err := n.r.eval(r)
	if err != nil {
		return value{}, err
	}
	if n.op == "==" || n.op == "!=" {
		if l.isStr != rv.isStr {
			return value{}, typeMismatch("", "cannot compare %s with %s", l, rv)
		}
		eq := l.str == rv.str
		if !l.isStr {
			eq = l.num.Equal(rv.num)
		}
		return boolVal(eq == (n.op == "==")), nil
	}
	if l.isStr || rv.isStr {
		return value{}, typeMismatch("", "operator %s needs numbers, got %s and %s", n.op, l, rv)
	}
	a, b := l.num, rv.num
	switch n.op {
	case "+":
		return numVal(a.Add(b)), nil
	case "-":
		return numVal(a.Sub(b)), nil
	case "*":
		return numVal(a.Mul(b)), nil
	case "/":
		if b.IsZero() {
			return value{}, &EvaluationError{Code: CodeDivisionByZero, Message: "division by zero in " + n.String()}
		}
		return numVal(a.Div(b)), nil
	case "<":
		return boolVal(a.LessThan(b)), nil
	case "<=":
		return boolVal(a.LessThanOrEqual(b)), nil
	case ">":
		return boolVal(a.GreaterThan(b)), nil
	case ">=":
		return boolVal(a.GreaterThanOrEqual(b)), nil
	}
	return value{}, &EvaluationError{Code: CodeInternal, Message: "unknown operator " + n.op}
}

func (n condNode) eval(r *reader) (value, error) {
	c, err := n.cond.eval(r)
	if err != nil {
		return value{}, err
	}
	if c.truthy() {
		return n.a.eval(r)
	}
	return n.b.eval(r)
}

// vars appends every identifier referenced by n, in source order.
func vars(n node, out []string) []string {
	switch x := n.(type) {
	case varRef:
		return append(out, x.name)
	case unaryNode:
		return vars(x.x, out)
	case binaryNode:
		return vars(x.r, vars(x.l, out))
	case condNode:
		return vars(x.b, vars(x.a, vars(x.cond, out)))
	}
	return out
}

type parser struct {
	toks []token
	pos  int
}

// parsed is a formula split into its optional target name and body.
type parsed struct {
	target string
	body   node
}

func parseFormula(src string) (parsed, error) {
	toks, err := lex(src)
	if err != nil {
		return parsed{}, err
	}
	p := &parser{toks: toks}
	var out parsed
	if len(toks) > 2 && toks[0].kind == tokIdent && toks[1].kind == tokOp && toks[1].text == "=" {
		out.target = toks[0].text
		p.pos = 2
	}
	out.body, err = p.expr()
	if err != nil {
		return parsed{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return parsed{}, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return out, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expr() (node, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp("?"); !ok {
		return cond, nil
	}
	a, err := p.expr()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp(":"); !ok {
		return nil, fmt.Errorf("expected ':' at %d", p.peek().pos)
	}
	b, err := p.expr()
	if err != nil {
		return nil, err
	}
	return condNode{cond: cond, a: a, b: b}, nil
}

// levels lists binary operators from lowest to highest precedence.
var levels = [][]string{
	{"||"},
	{"&&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"+", "-"},
	{"*", "/"},
}

func (p *parser) binary(level int) (node, error) {
	if level == len(levels) {
		return p.unary()
	}
	l, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(levels[level]...)
		if !ok {
			return l, nil
		}
		r, err := p.binary(level + 1)
		if err != nil {
			return nil, err
		}
		l = binaryNode{op: op, l: l, r: r}
	}
}

func (p *parser) unary() (node, error) {
	if op, ok := p.acceptOp("-", "!"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return numLit{v: d, text: t.text}, nil
	case tokStr:
		return strLit{s: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return numLit{v: one, text: "true"}, nil
		case "false":
			return numLit{v: zero, text: "false"}, nil
		}
		if strings.HasSuffix(t.text, ".") || strings.Contains(t.text, "..") {
			return nil, fmt.Errorf("bad identifier %q at %d", t.text, t.pos)
		}
		return varRef{name: t.text}, nil
	case tokOp:
		if t.text == "(" {
			x, err := p.expr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, fmt.Errorf("expected ')' at %d", p.peek().pos)
			}
			return x, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

// additiveTerms flattens a left-associative +/- chain at the root into signed
// terms. A root that is not additive is a single positive term.
func additiveTerms(n node) []signedTerm {
	b, ok := n.(binaryNode)
	if !ok || (b.op != "+" && b.op != "-") {
		return []signedTerm{{node: n}}
	}
	terms := additiveTerms(b.l)
	return append(terms, signedTerm{node: b.r, negative: b.op == "-"})
}

type signedTerm struct {
	node     node
	negative bool
}
