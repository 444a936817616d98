package formula

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/adreport/internal/domain"
)

const (
	maxFormulaLen = 1024
	maxDepth      = 64
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case isDigit(c) || c == '.':
			start := i
			dots := 0
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					dots++
				}
				i++
			}
			if dots > 1 || src[start:i] == "." {
				return nil, fmt.Errorf("malformed number %q at position %d", src[start:i], start)
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

type parser struct {
	toks  []token
	pos   int
	depth int
	known func(string) bool
}

// Parse compiles src against the closed set of formula fields (raw
// counters plus built-in ratio metrics). Every failure is a
// *domain.FormulaError.
func Parse(src string) (*Expr, error) {
	return parseWith(src, domain.IsFormulaField)
}

func parseWith(src string, known func(string) bool) (*Expr, error) {
	fail := func(reason string) error {
		return &domain.FormulaError{Formula: src, Reason: reason}
	}
	if strings.TrimSpace(src) == "" {
		return nil, fail("formula is empty")
	}
	if len(src) > maxFormulaLen {
		return nil, fail(fmt.Sprintf("formula longer than %d characters", maxFormulaLen))
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, fail(err.Error())
	}
	p := &parser{toks: toks, known: known}
	root, err := p.expr()
	if err != nil {
		return nil, fail(err.Error())
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fail(fmt.Sprintf("unexpected %q at position %d", t.text, t.pos))
	}
	return &Expr{src: src, root: root}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// expr := term (('+' | '-') term)*
func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binary{op: t.text[0], l: left, r: right}
	}
}

// term := unary (('*' | '/') unary)*
func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: t.text[0], l: left, r: right}
	}
}

// unary := ('-' | '+') unary | primary
func (p *parser) unary() (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		return nil, fmt.Errorf("expression nested deeper than %d levels", maxDepth)
	}

	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			return negate{x: x}, nil
		}
		return x, nil
	}
	return p.primary()
}

// primary := number | identifier | '(' expr ')'
func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed number %q at position %d", t.text, t.pos)
		}
		return number(v), nil
	case tokIdent:
		if !p.known(t.text) {
			return nil, fmt.Errorf("unknown field %q", t.text)
		}
		return field(t.text), nil
	case tokLParen:
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' at position %d", closing.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}
