// Package errs defines the error kinds reported by the process manager. Every
// failure crossing a component boundary carries one of these kinds so callers
// can tell a rejected request apart from a broken model or a policy violation.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindNotAuthorized       Kind = "not_authorized"
	KindInvalidArgument     Kind = "invalid_argument"
	KindNotFound            Kind = "not_found"
	KindMalformedDefinition Kind = "malformed_definition"
	KindNotPermitted        Kind = "not_permitted"
)

// Sentinels usable with errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrInternal            = errors.New("internal error")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("application object not found")
	ErrMalformedDefinition = errors.New("malformed process definition")
	ErrNotPermitted        = errors.New("operation not permitted")
)

// Error is a classified failure. Key and Args identify a translatable message;
// Detail is the already rendered English text used by Error().
type Error struct {
	Kind   Kind
	Op     string
	Key    string
	Args   []any
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Detail != "":
		b.WriteString(e.Detail)
	case e.Key != "":
		b.WriteString(e.Key)
	default:
		b.WriteString(sentinel(e.Kind).Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(kind Kind) error {
	switch kind {
	case KindNotAuthorized:
		return ErrNotAuthorized
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindNotFound:
		return ErrNotFound
	case KindMalformedDefinition:
		return ErrMalformedDefinition
	case KindNotPermitted:
		return ErrNotPermitted
	default:
		return ErrInternal
	}
}

// E builds a classified error. key doubles as the English fallback text when
// it is formatted with args.
func E(kind Kind, op, key string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Args: args, Detail: render(key, args)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error, key string, args ...any) *Error {
	e := E(kind, op, key, args...)
	e.Err = cause
	return e
}

func NotFound(op, key string, args ...any) *Error {
	return E(KindNotFound, op, key, args...)
}

func InvalidArgument(op, key string, args ...any) *Error {
	return E(KindInvalidArgument, op, key, args...)
}

func Malformed(op, key string, args ...any) *Error {
	return E(KindMalformedDefinition, op, key, args...)
}

func NotPermitted(op, key string, args ...any) *Error {
	return E(KindNotPermitted, op, key, args...)
}

func NotAuthorized(op, key string, args ...any) *Error {
	return E(KindNotAuthorized, op, key, args...)
}

// Internal wraps an unexpected failure, typically from storage.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: cause}
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return KindNotAuthorized
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMalformedDefinition):
		return KindMalformedDefinition
	case errors.Is(err, ErrNotPermitted):
		return KindNotPermitted
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the REST layer answers with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotAuthorized:
		return http.StatusUnauthorized
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindMalformedDefinition:
		return http.StatusUnprocessableEntity
	case KindNotPermitted:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func render(key string, args []any) string {
	if len(args) == 0 {
		return key
	}
	if strings.Contains(key, "%") {
		return fmt.Sprintf(key, args...)
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return key + " (" + strings.Join(parts, ", ") + ")"
}
