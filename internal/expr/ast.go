// Package expr implements the condition language used on process paths.
//
// Conditions are small boolean expressions over the shared information of an
// artifact, for example `amount > 1000 && region == "north"`. Sources are
// parsed once into a typed tree when a definition is loaded; evaluation is a
// pure function of the tree and the scope and never fails. Missing names
// evaluate to null, and comparisons between incomparable values are false.
package expr

import (
	"strconv"
	"strings"
)

// Expr is a parsed condition.
type Expr interface {
	Eval(scope Scope) Value
	String() string
}

// Op identifies a unary or binary operator.
type Op int

const (
	OpNot Op = iota
	OpNeg
	OpAnd
	OpOr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opText = map[Op]string{
	OpNot: "!",
	OpNeg: "-",
	OpAnd: "&&",
	OpOr:  "||",
	OpEq:  "==",
	OpNe:  "!=",
	OpLt:  "<",
	OpLe:  "<=",
	OpGt:  ">",
	OpGe:  ">=",
}

func (op Op) String() string { return opText[op] }

// Literal is a constant.
type Literal struct {
	Value Value
}

func (l *Literal) Eval(Scope) Value { return l.Value }

func (l *Literal) String() string {
	if l.Value.Kind() == KindString {
		return strconv.Quote(l.Value.s)
	}
	return l.Value.String()
}

// Ident reads a name from the scope.
type Ident struct {
	Name string
}

func (i *Ident) Eval(scope Scope) Value {
	if scope == nil {
		return Null()
	}
	if v, ok := scope.Lookup(i.Name); ok {
		return v
	}
	return Null()
}

func (i *Ident) String() string { return i.Name }

// Unary applies ! or unary minus.
type Unary struct {
	Op Op
	X  Expr
}

func (u *Unary) Eval(scope Scope) Value {
	x := u.X.Eval(scope)
	switch u.Op {
	case OpNot:
		return Bool(!x.Truthy())
	case OpNeg:
		if n, ok := x.number(); ok {
			return Number(-n)
		}
		return Null()
	}
	return Null()
}

func (u *Unary) String() string { return u.Op.String() + u.X.String() }

// Binary applies a logical or comparison operator.
type Binary struct {
	Op   Op
	L, R Expr
}

func (b *Binary) Eval(scope Scope) Value {
	switch b.Op {
	case OpAnd:
		if !b.L.Eval(scope).Truthy() {
			return Bool(false)
		}
		return Bool(b.R.Eval(scope).Truthy())
	case OpOr:
		if b.L.Eval(scope).Truthy() {
			return Bool(true)
		}
		return Bool(b.R.Eval(scope).Truthy())
	}
	l, r := b.L.Eval(scope), b.R.Eval(scope)
	switch b.Op {
	case OpEq:
		return Bool(equal(l, r))
	case OpNe:
		return Bool(!equal(l, r))
	}
	c, ok := compare(l, r)
	if !ok {
		return Bool(false)
	}
	switch b.Op {
	case OpLt:
		return Bool(c < 0)
	case OpLe:
		return Bool(c <= 0)
	case OpGt:
		return Bool(c > 0)
	case OpGe:
		return Bool(c >= 0)
	}
	return Bool(false)
}

func (b *Binary) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	sb.WriteString(b.L.String())
	sb.WriteByte(' ')
	sb.WriteString(b.Op.String())
	sb.WriteByte(' ')
	sb.WriteString(b.R.String())
	sb.WriteByte(')')
	return sb.String()
}

// Holds evaluates e and reports whether the result is truthy.
func Holds(e Expr, scope Scope) bool {
	if e == nil {
		return false
	}
	return e.Eval(scope).Truthy()
}
