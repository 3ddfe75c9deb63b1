package step

import (
	"errors"
	"fmt"
	"time"
)

// Error types for classifying operation failures.

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("step timed out")
	// ErrCancelled is matched by every CancellationError.
	ErrCancelled = errors.New("step cancelled")
)

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable). A nil err returns nil.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

// RetryableError represents a failure that may succeed on retry. A positive
// RetryAfter overrides the exponential backoff for the next delay.
type RetryableError struct {
	err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable with an optional delay hint.
// A nil err returns nil.
func NewRetryableError(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err, RetryAfter: retryAfter}
}

// TimeoutError is returned when a single attempt exceeds Options.Timeout.
// Timeouts are retried like any other non-fatal failure.
type TimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// CancellationError is returned when the context is cancelled between
// attempts. It is never retried.
type CancellationError struct {
	Step string
	Err  error
}

func (e *CancellationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %q cancelled", e.Step)
	}
	return fmt.Sprintf("step %q cancelled: %v", e.Step, e.Err)
}

func (e *CancellationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Err}
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetryable returns true if the error was explicitly marked retryable.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// IsTimeout returns true if the error is an attempt timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled returns true if the step was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// RetryAfter returns the explicit delay hint carried by a RetryableError.
func RetryAfter(err error) (time.Duration, bool) {
	var retryable *RetryableError
	if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
		return retryable.RetryAfter, true
	}
	return 0, false
}
