package filter

import (
	"errors"
	"regexp"
	"strings"

	"github.com/maxpert/servicebus-go/model"
)

// Expression is a parsed SQL-like filter. It is immutable and safe for
// concurrent evaluation.
type Expression struct {
	source string
	root   predicate
}

// Source returns the text the expression was parsed from.
func (e *Expression) Source() string {
	return e.source
}

// Eval evaluates the expression against a message.
func (e *Expression) Eval(m *model.Message) bool {
	return e.root.eval(m)
}

type predicate interface {
	eval(m *model.Message) bool
}

type operand interface {
	resolve(m *model.Message) value
}

type literal struct{ v value }

func (l literal) resolve(*model.Message) value { return l.v }

type sysRef struct{ get systemProperty }

func (r sysRef) resolve(m *model.Message) value {
	if r.get == nil {
		return nullValue
	}
	return r.get(m)
}

type userRef struct{ name string }

func (r userRef) resolve(m *model.Message) value {
	v, ok := m.Properties[r.name]
	if !ok {
		return nullValue
	}
	return fromProperty(v)
}

type andExpr struct{ left, right predicate }

func (e andExpr) eval(m *model.Message) bool { return e.left.eval(m) && e.right.eval(m) }

type orExpr struct{ left, right predicate }

func (e orExpr) eval(m *model.Message) bool { return e.left.eval(m) || e.right.eval(m) }

type notExpr struct{ inner predicate }

func (e notExpr) eval(m *model.Message) bool { return !e.inner.eval(m) }

type constExpr bool

func (e constExpr) eval(*model.Message) bool { return bool(e) }

type compareOp uint8

const (
	opEq compareOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

var compareOps = map[string]compareOp{
	"=":  opEq,
	"!=": opNe,
	"<>": opNe,
	"<":  opLt,
	"<=": opLe,
	">":  opGt,
	">=": opGe,
}

type compareExpr struct {
	op          compareOp
	left, right operand
}

func (e compareExpr) eval(m *model.Message) bool {
	a, b := e.left.resolve(m), e.right.resolve(m)
	c, ok := compare(a, b)
	if !ok {
		return false
	}
	if a.kind == kindBool && e.op != opEq && e.op != opNe {
		return false
	}
	switch e.op {
	case opEq:
		return c == 0
	case opNe:
		return c != 0
	case opLt:
		return c < 0
	case opLe:
		return c <= 0
	case opGt:
		return c > 0
	case opGe:
		return c >= 0
	default:
		return false
	}
}

type inExpr struct {
	target operand
	set    []value
	negate bool
}

func (e inExpr) eval(m *model.Message) bool {
	v := e.target.resolve(m)
	if v.isNull() {
		return false
	}
	found := false
	for _, candidate := range e.set {
		if c, ok := compare(v, candidate); ok && c == 0 {
			found = true
			break
		}
	}
	return found != e.negate
}

type likeExpr struct {
	target  operand
	pattern *regexp.Regexp
	negate  bool
}

func (e likeExpr) eval(m *model.Message) bool {
	v := e.target.resolve(m)
	if v.kind != kindString {
		return false
	}
	return e.pattern.MatchString(v.s) != e.negate
}

type nullCheckExpr struct {
	target operand
	negate bool
}

func (e nullCheckExpr) eval(m *model.Message) bool {
	return e.target.resolve(m).isNull() != e.negate
}

// truthExpr lets a bare boolean operand stand as a predicate.
type truthExpr struct{ target operand }

func (e truthExpr) eval(m *model.Message) bool {
	v := e.target.resolve(m)
	return v.kind == kindBool && v.b
}

// compileLike turns a LIKE pattern into an anchored regular expression.
// '%' matches any run of characters, '_' exactly one; escape, when set,
// makes the following character literal.
func compileLike(pattern string, escape rune) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case escape != 0 && r == escape:
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, errors.New("pattern ends with escape character")
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}
