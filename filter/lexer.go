package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokMinus
	tokOp
)

type token struct {
	kind   tokenKind
	text   string
	pos    int
	quoted bool
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("'%s'", t.text)
	}
}

// keyword reports whether an identifier token is the given keyword.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && !t.quoted && strings.EqualFold(t.text, kw)
}

type syntaxError struct {
	pos    int
	reason string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("%s at position %d", e.reason, e.pos)
}

type lexer struct {
	src string
	i   int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errAt(pos int, format string, args ...any) error {
	return &syntaxError{pos: pos, reason: fmt.Sprintf(format, args...)}
}

func (l *lexer) nextToken() (token, error) {
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return token{}, l.errAt(l.i, "invalid utf-8")
		}
		if !unicode.IsSpace(r) {
			break
		}
		l.i += size
	}

	pos := l.i
	if l.i >= len(l.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	c := l.src[l.i]
	switch {
	case c == '(':
		l.i++
		return token{kind: tokLParen, text: "(", pos: pos}, nil
	case c == ')':
		l.i++
		return token{kind: tokRParen, text: ")", pos: pos}, nil
	case c == ',':
		l.i++
		return token{kind: tokComma, text: ",", pos: pos}, nil
	case c == '-':
		l.i++
		return token{kind: tokMinus, text: "-", pos: pos}, nil
	case c == '\'':
		return l.readString()
	case c == '[':
		return l.readBracketed()
	case c == '=' || c == '<' || c == '>' || c == '!':
		return l.readOperator()
	case isDigit(c) || (c == '.' && l.i+1 < len(l.src) && isDigit(l.src[l.i+1])):
		return l.readNumber()
	case isIdentStart(c):
		return l.readIdent(), nil
	default:
		r, _ := utf8.DecodeRuneInString(l.src[l.i:])
		return token{}, l.errAt(pos, "unknown operator '%c'", r)
	}
}

func (l *lexer) readOperator() (token, error) {
	pos := l.i
	two := ""
	if l.i+1 < len(l.src) {
		two = l.src[l.i : l.i+2]
	}
	switch two {
	case "<=", ">=", "<>", "!=":
		l.i += 2
		return token{kind: tokOp, text: two, pos: pos}, nil
	case "==":
		return token{}, l.errAt(pos, "unknown operator '=='")
	}
	c := l.src[l.i]
	if c == '!' {
		return token{}, l.errAt(pos, "unknown operator '!'")
	}
	l.i++
	return token{kind: tokOp, text: string(c), pos: pos}, nil
}

// readString reads a single-quoted literal; a doubled quote is an escaped
// quote.
func (l *lexer) readString() (token, error) {
	pos := l.i
	l.i++ // opening quote
	var b strings.Builder
	for l.i < len(l.src) {
		c := l.src[l.i]
		if c == '\'' {
			if l.i+1 < len(l.src) && l.src[l.i+1] == '\'' {
				b.WriteByte('\'')
				l.i += 2
				continue
			}
			l.i++
			return token{kind: tokString, text: b.String(), pos: pos}, nil
		}
		b.WriteByte(c)
		l.i++
	}
	return token{}, l.errAt(pos, "unterminated string")
}

// readBracketed reads a [quoted identifier], used for property names that
// contain spaces or punctuation.
func (l *lexer) readBracketed() (token, error) {
	pos := l.i
	end := strings.IndexByte(l.src[l.i+1:], ']')
	if end < 0 {
		return token{}, l.errAt(pos, "unterminated bracketed identifier")
	}
	name := l.src[l.i+1 : l.i+1+end]
	l.i += end + 2
	if name == "" {
		return token{}, l.errAt(pos, "empty bracketed identifier")
	}
	return token{kind: tokIdent, text: name, pos: pos, quoted: true}, nil
}

func (l *lexer) readNumber() (token, error) {
	pos := l.i
	sawDot := false
	sawExp := false
	for l.i < len(l.src) {
		c := l.src[l.i]
		switch {
		case isDigit(c):
			l.i++
		case c == '.' && !sawDot && !sawExp:
			sawDot = true
			l.i++
		case (c == 'e' || c == 'E') && !sawExp:
			sawExp = true
			l.i++
			if l.i < len(l.src) && (l.src[l.i] == '+' || l.src[l.i] == '-') {
				l.i++
			}
			if l.i >= len(l.src) || !isDigit(l.src[l.i]) {
				return token{}, l.errAt(pos, "malformed number")
			}
		default:
			if isIdentStart(c) {
				return token{}, l.errAt(pos, "malformed number")
			}
			return token{kind: tokNumber, text: l.src[pos:l.i], pos: pos}, nil
		}
	}
	return token{kind: tokNumber, text: l.src[pos:l.i], pos: pos}, nil
}

func (l *lexer) readIdent() token {
	pos := l.i
	for l.i < len(l.src) && isIdentPart(l.src[l.i]) {
		l.i++
	}
	return token{kind: tokIdent, text: l.src[pos:l.i], pos: pos}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
