package expr

import (
	"math"
	"strconv"
	"strings"
)

// ValueKind tags the dynamic type of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Value is the result of evaluating an expression. Shared information is
// string typed, so strings that look like numbers or booleans are coerced when
// compared against those kinds.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
}

func Null() Value            { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value  { return Value{kind: KindString, s: s} }

func (v Value) Kind() ValueKind { return v.kind }

// Truthy reports whether the value satisfies a condition on its own.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		if b, ok := parseBool(v.s); ok {
			return b
		}
		if n, ok := parseNumber(v.s); ok {
			return n != 0
		}
		return v.s != ""
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		return "null"
	}
}

func (v Value) number() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		return parseNumber(v.s)
	default:
		return 0, false
	}
}

func (v Value) boolean() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindString:
		return parseBool(v.s)
	default:
		return false, false
	}
}

// parseNumber accepts finite numbers only. ParseFloat also reads "NaN" and
// "Inf", which must stay strings.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// equal compares two values, coercing strings toward the other side's kind.
func equal(a, b Value) bool {
	if a.kind == KindNull || b.kind == KindNull {
		return a.kind == b.kind
	}
	if a.kind == KindBool || b.kind == KindBool {
		ab, aok := a.boolean()
		bb, bok := b.boolean()
		return aok && bok && ab == bb
	}
	if an, aok := a.number(); aok {
		if bn, bok := b.number(); bok {
			return an == bn
		}
	}
	if a.kind == KindString && b.kind == KindString {
		return a.s == b.s
	}
	return false
}

// compare orders two values. ok is false when the values are not comparable,
// in which case every ordering operator yields false.
func compare(a, b Value) (int, bool) {
	if a.kind == KindNull || b.kind == KindNull {
		return 0, false
	}
	if an, aok := a.number(); aok {
		if bn, bok := b.number(); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if a.kind == KindString && b.kind == KindString {
		return strings.Compare(a.s, b.s), true
	}
	return 0, false
}
