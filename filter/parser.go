package filter

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	sberrors "github.com/maxpert/servicebus-go/errors"
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 128

type parser struct {
	src     string
	lex     *lexer
	peeked  token
	hasPeek bool
	depth   int
}

// Parse compiles a SQL-like filter expression. Malformed input yields an
// InvalidFilterSyntax error carrying the offending position.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, sberrors.NewInvalidFilterSyntax(src, 0, "empty expression")
	}
	p := &parser{src: src, lex: newLexer(src)}
	root, err := p.parseOr()
	if err == nil {
		var tok token
		tok, err = p.next()
		if err == nil && tok.kind != tokEOF {
			if tok.kind == tokRParen {
				err = p.errAt(tok.pos, "unbalanced parenthesis")
			} else {
				err = p.errAt(tok.pos, "unexpected %s", tok)
			}
		}
	}
	if err != nil {
		var se *syntaxError
		if errors.As(err, &se) {
			return nil, sberrors.NewInvalidFilterSyntax(src, se.pos, se.reason)
		}
		return nil, sberrors.NewInvalidFilterSyntax(src, 0, err.Error())
	}
	return &Expression{source: src, root: root}, nil
}

func (p *parser) errAt(pos int, format string, args ...any) error {
	return p.lex.errAt(pos, format, args...)
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	tok, err := p.peek()
	if err != nil {
		return token{}, err
	}
	p.hasPeek = false
	return tok, nil
}

func (p *parser) acceptKeyword(kw string) (bool, error) {
	tok, err := p.peek()
	if err != nil {
		return false, err
	}
	if tok.keyword(kw) {
		p.hasPeek = false
		return true, nil
	}
	return false, nil
}

func (p *parser) expectKeyword(kw string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	if !tok.keyword(kw) {
		return p.errAt(tok.pos, "expected %s, found %s", kw, tok)
	}
	return nil
}

func (p *parser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.acceptKeyword("OR")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left: left, right: right}
	}
}

func (p *parser) parseAnd() (predicate, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		ok, err := p.acceptKeyword("AND")
		if err != nil {
			return nil, err
		}
		if !ok {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andExpr{left: left, right: right}
	}
}

func (p *parser) parseNot() (predicate, error) {
	ok, err := p.acceptKeyword("NOT")
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.parsePredicate()
	}
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxDepth {
		tok, _ := p.peek()
		return nil, p.errAt(tok.pos, "expression nested too deeply")
	}
	inner, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	return notExpr{inner: inner}, nil
}

func (p *parser) parsePredicate() (predicate, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind == tokLParen {
		p.hasPeek = false
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > maxDepth {
			return nil, p.errAt(tok.pos, "expression nested too deeply")
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, err := p.next()
		if err != nil {
			return nil, err
		}
		if closing.kind != tokRParen {
			if closing.kind == tokEOF {
				return nil, p.errAt(tok.pos, "unbalanced parenthesis")
			}
			return nil, p.errAt(closing.pos, "expected ')', found %s", closing)
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	tok, err = p.peek()
	if err != nil {
		return nil, err
	}

	switch {
	case tok.kind == tokOp:
		p.hasPeek = false
		op, ok := compareOps[tok.text]
		if !ok {
			return nil, p.errAt(tok.pos, "unknown operator '%s'", tok.text)
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compareExpr{op: op, left: left, right: right}, nil

	case tok.keyword("IS"):
		p.hasPeek = false
		negate, err := p.acceptKeyword("NOT")
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return nullCheckExpr{target: left, negate: negate}, nil

	case tok.keyword("IN"):
		p.hasPeek = false
		return p.parseIn(left, false)

	case tok.keyword("LIKE"):
		p.hasPeek = false
		return p.parseLike(left, false)

	case tok.keyword("NOT"):
		p.hasPeek = false
		next, err := p.next()
		if err != nil {
			return nil, err
		}
		switch {
		case next.keyword("IN"):
			return p.parseIn(left, true)
		case next.keyword("LIKE"):
			return p.parseLike(left, true)
		default:
			return nil, p.errAt(next.pos, "expected IN or LIKE after NOT, found %s", next)
		}

	case tok.kind == tokEOF, tok.kind == tokRParen, tok.keyword("AND"), tok.keyword("OR"):
		return truthExpr{target: left}, nil

	default:
		return nil, p.errAt(tok.pos, "unexpected %s", tok)
	}
}

func (p *parser) parseIn(target operand, negate bool) (predicate, error) {
	open, err := p.next()
	if err != nil {
		return nil, err
	}
	if open.kind != tokLParen {
		return nil, p.errAt(open.pos, "expected '(' after IN, found %s", open)
	}
	first, err := p.peek()
	if err != nil {
		return nil, err
	}
	if first.kind == tokRParen {
		return nil, p.errAt(first.pos, "IN list cannot be empty")
	}
	var set []value
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		set = append(set, v)
		sep, err := p.next()
		if err != nil {
			return nil, err
		}
		if sep.kind == tokRParen {
			break
		}
		if sep.kind == tokEOF {
			return nil, p.errAt(open.pos, "unbalanced parenthesis")
		}
		if sep.kind != tokComma {
			return nil, p.errAt(sep.pos, "expected ',' or ')', found %s", sep)
		}
	}
	return inExpr{target: target, set: set, negate: negate}, nil
}

func (p *parser) parseLike(target operand, negate bool) (predicate, error) {
	pat, err := p.next()
	if err != nil {
		return nil, err
	}
	if pat.kind != tokString {
		return nil, p.errAt(pat.pos, "LIKE requires a string pattern, found %s", pat)
	}
	var escape rune
	ok, err := p.acceptKeyword("ESCAPE")
	if err != nil {
		return nil, err
	}
	if ok {
		esc, err := p.next()
		if err != nil {
			return nil, err
		}
		if esc.kind != tokString || utf8.RuneCountInString(esc.text) != 1 {
			return nil, p.errAt(esc.pos, "ESCAPE requires a single character string")
		}
		escape, _ = utf8.DecodeRuneInString(esc.text)
	}
	re, err := compileLike(pat.text, escape)
	if err != nil {
		return nil, p.errAt(pat.pos, "invalid LIKE pattern: %v", err)
	}
	return likeExpr{target: target, pattern: re, negate: negate}, nil
}

func (p *parser) parseOperand() (operand, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind == tokIdent && (tok.quoted || !isLiteralKeyword(tok.text)) {
		p.hasPeek = false
		if !tok.quoted && isReservedKeyword(tok.text) {
			return nil, p.errAt(tok.pos, "unexpected keyword %s", strings.ToUpper(tok.text))
		}
		return reference(tok.text), nil
	}
	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return literal{v: v}, nil
}

func (p *parser) parseLiteral() (value, error) {
	tok, err := p.next()
	if err != nil {
		return nullValue, err
	}
	switch tok.kind {
	case tokString:
		return stringValue(tok.text), nil
	case tokNumber:
		return parseNumber(p, tok, false)
	case tokMinus:
		num, err := p.next()
		if err != nil {
			return nullValue, err
		}
		if num.kind != tokNumber {
			return nullValue, p.errAt(tok.pos, "unknown operator '-'")
		}
		return parseNumber(p, num, true)
	case tokIdent:
		switch strings.ToUpper(tok.text) {
		case "TRUE":
			return boolValue(true), nil
		case "FALSE":
			return boolValue(false), nil
		case "NULL":
			return nullValue, nil
		}
		return nullValue, p.errAt(tok.pos, "expected literal, found %s", tok)
	case tokEOF:
		return nullValue, p.errAt(tok.pos, "unexpected end of expression")
	case tokRParen:
		return nullValue, p.errAt(tok.pos, "unbalanced parenthesis")
	default:
		return nullValue, p.errAt(tok.pos, "unexpected %s", tok)
	}
}

func parseNumber(p *parser, tok token, negative bool) (value, error) {
	text := tok.text
	if negative {
		text = "-" + text
	}
	if !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return intValue(i), nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nullValue, p.errAt(tok.pos, "malformed number %s", text)
	}
	return floatValue(f), nil
}

// reference resolves an identifier to a system or user property.
func reference(name string) operand {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "sys."):
		return sysRef{get: systemProperties[lower[len("sys."):]]}
	case strings.HasPrefix(lower, "user."):
		return userRef{name: name[len("user."):]}
	default:
		return userRef{name: name}
	}
}

func isLiteralKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "TRUE", "FALSE", "NULL":
		return true
	}
	return false
}

func isReservedKeyword(s string) bool {
	switch strings.ToUpper(s) {
	case "AND", "OR", "NOT", "IN", "LIKE", "IS", "ESCAPE":
		return true
	}
	return false
}
