// Package script runs artifact pre- and postcondition scripts in a goja
// sandbox. A script sees the shared information and content it is checked
// against and fails the check by calling reject(msg), by evaluating to false,
// or by evaluating to a non-empty string.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout bounds a single script run.
	DefaultTimeout = 250 * time.Millisecond
	// MaxScriptSize is the largest accepted script source in bytes.
	MaxScriptSize = 64 * 1024
)

// ErrTimeout is returned when a script is interrupted by its deadline.
var ErrTimeout = errors.New("script: execution timed out")

// Rejection is a check the script itself failed.
type Rejection struct {
	Message string
}

func (r *Rejection) Error() string {
	return "script: rejected: " + r.Message
}

// Input is the data a script is evaluated against.
type Input struct {
	Activity    string
	Shared      map[string]string
	Content     []byte
	ContentType string
}

// Sandbox evaluates scripts with a per-run deadline.
type Sandbox struct {
	timeout time.Duration
	maxSize int
}

// Option customises a Sandbox.
type Option func(*Sandbox)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxSize overrides MaxScriptSize.
func WithMaxSize(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// New builds a sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{timeout: DefaultTimeout, maxSize: MaxScriptSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout reports the per-run deadline.
func (s *Sandbox) Timeout() time.Duration {
	return s.timeout
}

// Check runs src against in. An empty script always passes.
func (s *Sandbox) Check(ctx context.Context, src string, in Input) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	if len(src) > s.maxSize {
		return fmt.Errorf("script: source exceeds %d bytes", s.maxSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vm := goja.New()
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			vm.Interrupt(ErrTimeout)
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	var rejected []string
	globals := map[string]any{
		"activity":    in.Activity,
		"shared":      sharedObject(in.Shared),
		"content":     string(in.Content),
		"contentType": in.ContentType,
		"data":        nil,
		"reject": func(call goja.FunctionCall) goja.Value {
			msg := "rejected"
			if len(call.Arguments) > 0 {
				msg = call.Arguments[0].String()
			}
			rejected = append(rejected, msg)
			return goja.Undefined()
		},
	}
	if len(in.Content) > 0 && gjson.ValidBytes(in.Content) {
		globals["data"] = gjson.ParseBytes(in.Content).Value()
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("script: set %s: %w", name, err)
		}
	}

	result, err := vm.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return cause
			}
			return ErrTimeout
		}
		return fmt.Errorf("script: %w", err)
	}
	if len(rejected) > 0 {
		return &Rejection{Message: strings.Join(rejected, "; ")}
	}
	if result == nil {
		return nil
	}
	switch v := result.Export().(type) {
	case bool:
		if !v {
			return &Rejection{Message: "script evaluated to false"}
		}
	case string:
		if v != "" {
			return &Rejection{Message: v}
		}
	}
	return nil
}

func sharedObject(values map[string]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
