package core

import (
	"errors"
	"fmt"
	"time"
)

// Protocol errors.
var (
	// ErrNotFound means the task id is unknown to the backend.
	ErrNotFound = errors.New("leaseq: task not found")

	// ErrLeaseLost means the caller no longer owns the task; another leaser
	// or a recovery pass already handled it. Abandon silently.
	ErrLeaseLost = errors.New("leaseq: lease lost")
)

// Validation errors.
var (
	ErrInvalidHandlerName = errors.New("leaseq: invalid handler name (must be alphanumeric, start with letter)")
	ErrHandlerNameTooLong = errors.New("leaseq: handler name too long")
	ErrInvalidQueueName   = errors.New("leaseq: invalid queue name")
	ErrQueueNameTooLong   = errors.New("leaseq: queue name too long")
	ErrPayloadTooLarge    = errors.New("leaseq: task payload exceeds size limit")
	ErrInvalidMode        = errors.New("leaseq: unknown execution mode")
)

// UnavailableError reports a transient backend fault. The protocol call
// itself should be retried; the task is not considered failed.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("leaseq: backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps a backend fault as transient.
func Unavailable(err error) error {
	return &UnavailableError{Err: err}
}

// IsUnavailable reports whether err is a transient backend fault.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// NoRetryError indicates a handler error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps a handler error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates a handler error that should be retried after a
// specific delay instead of the task's configured one.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps a handler error to indicate it should be retried after d.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// TimeoutError reports that a task exceeded its wall-clock budget. It feeds
// the retry decision as a distinct kind so predicates can special-case it.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("leaseq: task exceeded %v budget", e.Limit)
}

// SerializationError reports a payload or result that could not cross a
// process boundary. Always fatal for the attempt: retrying with the same
// payload would fail the same way.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("leaseq: serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
