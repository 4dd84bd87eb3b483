package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports where a condition failed to parse.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr: %s at offset %d in %q", e.Msg, e.Pos, e.Source)
}

// Parse compiles a condition source.
//
//	or      = and { ("||" | "or") and }
//	and     = not { ("&&" | "and") not }
//	not     = ("!" | "not") not | cmp
//	cmp     = unary [ ("==" | "!=" | "<" | "<=" | ">" | ">=") unary ]
//	unary   = "-" unary | primary
//	primary = number | string | "true" | "false" | "null" | name | "(" or ")"
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, p.errorf(0, "empty expression")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok.pos, "unexpected %q", tok.text)
	}
	return e, nil
}

// MustParse is Parse for sources known to be valid.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isOp(texts ...string) bool {
	tok := p.peek()
	if tok.kind != tokOp && tok.kind != tokIdent {
		return false
	}
	for _, text := range texts {
		if tok.text == text {
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||", "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpOr, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&", "and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: OpAnd, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isOp("!", "not") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: OpNot, X: x}, nil
	}
	return p.parseCmp()
}

var cmpOps = map[string]Op{
	"==": OpEq,
	"!=": OpNe,
	"<":  OpLt,
	"<=": OpLe,
	">":  OpGt,
	">=": OpGe,
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	op, ok := cmpOps[tok.text]
	if tok.kind != tokOp || !ok {
		return left, nil
	}
	p.next()
	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if next := p.peek(); next.kind == tokOp {
		if _, chained := cmpOps[next.text]; chained {
			return nil, p.errorf(next.pos, "comparisons cannot be chained")
		}
	}
	return &Binary{Op: op, L: left, R: right}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if tok := p.peek(); tok.kind == tokOp && tok.text == "-" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok && lit.Value.Kind() == KindNumber {
			return &Literal{Value: Number(-lit.Value.n)}, nil
		}
		return &Unary{Op: OpNeg, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok.pos, "invalid number %q", tok.text)
		}
		return &Literal{Value: Number(n)}, nil
	case tokString:
		return &Literal{Value: String(tok.text)}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &Literal{Value: Bool(true)}, nil
		case "false":
			return &Literal{Value: Bool(false)}, nil
		case "null":
			return &Literal{Value: Null()}, nil
		case "and", "or", "not":
			return nil, p.errorf(tok.pos, "unexpected %q", tok.text)
		}
		return &Ident{Name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing.pos, "expected )")
		}
		return inner, nil
	case tokEOF:
		return nil, p.errorf(tok.pos, "unexpected end of expression")
	default:
		return nil, p.errorf(tok.pos, "unexpected %q", tok.text)
	}
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '"' || c == '\'':
			text, end, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text, pos: i})
			i = end
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case c >= utf8.RuneSelf || isIdentStart(rune(c)):
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) || (i == start && !isIdentStart(r)) {
					break
				}
				i += size
			}
			if i == start {
				r, _ := utf8.DecodeRuneInString(src[i:])
				return nil, &SyntaxError{Source: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", r)}
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			op := lexOp(src[i:])
			if op == "" {
				return nil, &SyntaxError{Source: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexOp(rest string) string {
	for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	switch rest[0] {
	case '<', '>', '!', '-':
		return rest[:1]
	}
	return ""
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		c := src[i]
		switch c {
		case '\\':
			if i+1 >= len(src) {
				return "", 0, &SyntaxError{Source: src, Pos: i, Msg: "dangling escape"}
			}
			i++
			b.WriteByte(src[i])
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, &SyntaxError{Source: src, Pos: start, Msg: "unterminated string"}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
