// Package handler provides reflection-based handler execution for the leaseq package.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/pkg/retry"
)

// Handler holds metadata about a registered task handler.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool

	// Per-handler defaults applied at enqueue time.
	Mode        core.ExecMode
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration

	// Policy narrows retry eligibility for this handler; nil means the
	// default decision.
	Policy *retry.Policy
}

// New creates a Handler from a function.
// The function must have signature: func(ctx context.Context, args T) error
// or func(ctx context.Context, args T) (T2, error).
func New(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)

	// Check for typed nil (e.g., var fn func() = nil)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	h := &Handler{Fn: fnVal, Mode: core.ModeCooperative}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
		h.HasContext = true
		argIdx = 1
	}

	if argIdx < numIn {
		h.ArgsType = fnType.In(argIdx)
	}

	// Validate return type - allow error or (T, error)
	numOut := fnType.NumOut()
	switch numOut {
	case 1:
		if !fnType.Out(0).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return nil, fmt.Errorf("handler must return (T, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (T, error)")
	}

	return h, nil
}

// Execute runs the handler with the given context and JSON-encoded arguments.
func (h *Handler) Execute(ctx context.Context, payload []byte) error {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return fmt.Errorf("handler function is nil or invalid")
	}

	var args []reflect.Value

	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if err := json.Unmarshal(payload, argVal.Interface()); err != nil {
			return &core.SerializationError{Err: fmt.Errorf("unmarshal args: %w", err)}
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)

	switch h.Fn.Type().NumOut() {
	case 1:
		if !results[0].IsNil() {
			return results[0].Interface().(error)
		}
	case 2:
		if !results[1].IsNil() {
			return results[1].Interface().(error)
		}
	}
	return nil
}

// ExecuteResult runs the handler and returns its JSON-encoded result, used
// when the result has to cross a process boundary.
func (h *Handler) ExecuteResult(ctx context.Context, payload []byte) ([]byte, error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, fmt.Errorf("handler function is nil or invalid")
	}

	var args []reflect.Value

	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if err := json.Unmarshal(payload, argVal.Interface()); err != nil {
			return nil, &core.SerializationError{Err: fmt.Errorf("unmarshal args: %w", err)}
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)

	switch h.Fn.Type().NumOut() {
	case 1:
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return nil, nil
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		out, err := json.Marshal(results[0].Interface())
		if err != nil {
			return nil, &core.SerializationError{Err: fmt.Errorf("marshal result: %w", err)}
		}
		return out, nil
	}
	return nil, nil
}
