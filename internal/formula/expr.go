// Package formula implements the restricted arithmetic language used by
// custom metrics: numbers, whitelisted field names, + - * / and
// parentheses. Formulas are parsed once into an expression tree and then
// evaluated per row with no access to anything but the row's fields.
package formula

import (
	"math"
	"sort"
	"strconv"
)

// Lookup resolves a field name to its value on the current row.
type Lookup func(field string) float64

// node is one vertex of a parsed expression tree.
type node interface {
	eval(Lookup) float64
	collect(map[string]bool)
	String() string
}

type number float64

func (n number) eval(Lookup) float64 { return float64(n) }
func (n number) collect(map[string]bool) {}
func (n number) String() string { return strconv.FormatFloat(float64(n), 'g', -1, 64) }

type field string

func (f field) eval(get Lookup) float64 { return Safe(get(string(f))) }
func (f field) collect(seen map[string]bool) { seen[string(f)] = true }
func (f field) String() string { return string(f) }

type negate struct{ x node }

func (n negate) eval(get Lookup) float64 { return -n.x.eval(get) }
func (n negate) collect(seen map[string]bool) { n.x.collect(seen) }
func (n negate) String() string { return "(-" + n.x.String() + ")" }

type binary struct {
	op   byte
	l, r node
}

func (b binary) eval(get Lookup) float64 {
	l, r := b.l.eval(get), b.r.eval(get)
	switch b.op {
	case '+':
		return Safe(l + r)
	case '-':
		return Safe(l - r)
	case '*':
		return Safe(l * r)
	case '/':
		return Div(l, r)
	}
	return 0
}

func (b binary) collect(seen map[string]bool) {
	b.l.collect(seen)
	b.r.collect(seen)
}

func (b binary) String() string {
	return "(" + b.l.String() + " " + string(b.op) + " " + b.r.String() + ")"
}

// Expr is a compiled formula.
type Expr struct {
	src  string
	root node
}

// Eval evaluates the formula against one row. Division by zero and any
// non-finite intermediate collapse to 0.
func (e *Expr) Eval(get Lookup) float64 {
	return Safe(e.root.eval(get))
}

// Fields returns the sorted set of field names referenced by the formula.
func (e *Expr) Fields() []string {
	seen := make(map[string]bool)
	e.root.collect(seen)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Source returns the formula text the expression was parsed from.
func (e *Expr) Source() string { return e.src }

// String returns the fully parenthesized form of the tree.
func (e *Expr) String() string { return e.root.String() }

// Div divides a by b, returning 0 when b is zero or the result is not finite.
func Div(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return Safe(a / b)
}

// Safe maps NaN and ±Inf to 0.
func Safe(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
