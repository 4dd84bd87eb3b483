package expr

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ContentPrefix marks names that are looked up inside a JSON artifact body,
// e.g. `content.order.total`.
const ContentPrefix = "content."

// Scope resolves names referenced by a condition.
type Scope interface {
	Lookup(name string) (Value, bool)
}

// MapScope exposes string shared information.
type MapScope map[string]string

func (m MapScope) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	if !ok {
		return Null(), false
	}
	return String(v), true
}

// JSONScope looks names up in a JSON document. Only names carrying
// ContentPrefix are resolved; the remainder is a gjson path.
type JSONScope []byte

func (j JSONScope) Lookup(name string) (Value, bool) {
	if !strings.HasPrefix(name, ContentPrefix) || len(j) == 0 || !gjson.ValidBytes(j) {
		return Null(), false
	}
	res := gjson.GetBytes(j, strings.TrimPrefix(name, ContentPrefix))
	if !res.Exists() {
		return Null(), false
	}
	switch res.Type {
	case gjson.True:
		return Bool(true), true
	case gjson.False:
		return Bool(false), true
	case gjson.Number:
		return Number(res.Num), true
	case gjson.String:
		return String(res.Str), true
	case gjson.Null:
		return Null(), true
	default:
		return String(res.Raw), true
	}
}

// Layered consults each scope in order; the first hit wins.
type Layered []Scope

func (l Layered) Lookup(name string) (Value, bool) {
	for _, scope := range l {
		if scope == nil {
			continue
		}
		if v, ok := scope.Lookup(name); ok {
			return v, true
		}
	}
	return Null(), false
}
