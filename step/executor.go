// Package step executes opaque operations with bounded retries, exponential
// backoff, per-attempt timeouts, and cooperative cancellation.
//
// Every terminal outcome of Run (success, fatal error, cancellation, or
// exhausted retries) produces exactly one metrics.StepMetrics record for the
// workflow the step belongs to.
package step

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stepflow/clock"
	"github.com/c360studio/stepflow/metrics"
)

// Operation is the unit of work run by the executor. It receives a context
// that is cancelled when its attempt times out.
type Operation[T any] func(ctx context.Context) (T, error)

// Result is the final outcome of one Run call.
type Result[T any] struct {
	Value    T
	Duration time.Duration
	Attempts int
	Success  bool
	Err      error
}

// Recorder receives step metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordStep(ctx context.Context, m metrics.StepMetrics)
}

// Executor holds the shared dependencies of Run: clock, metrics recorder,
// logger, and default options. It keeps no per-run state, so one Executor may
// serve many concurrent workflows.
type Executor struct {
	clock    clock.Clock
	recorder Recorder
	logger   *slog.Logger
	defaults Options
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock sets the time source for durations, timeouts, and backoff sleeps.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = clock.OrReal(c)
	}
}

// WithRecorder sets where step metrics are sent.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaults sets the options used to fill unset delay fields.
func WithDefaults(o Options) ExecutorOption {
	return func(e *Executor) {
		e.defaults = o.withDefaults(DefaultOptions())
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		clock:    clock.Real(),
		logger:   slog.Default(),
		defaults: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Defaults returns the executor's default options.
func (e *Executor) Defaults() Options {
	return e.defaults
}

// Run executes op under the retry policy in opts.
//
// Attempts run from 1 to opts.Retry+1. Before every attempt after the first
// the context is checked; a cancelled context ends the run with a
// CancellationError. A FatalError stops immediately. A RetryableError with a
// RetryAfter hint waits min(hint, MaxDelay); any other error waits
// min(RetryDelay * BackoffMultiplier^(attempt-1), MaxDelay).
//
// Cancellation is cooperative: an attempt already running is not interrupted
// by ctx, only by its own timeout.
func Run[T any](ctx context.Context, e *Executor, name string, op Operation[T], opts Options) (Result[T], error) {
	if e == nil {
		e = NewExecutor()
	}
	opts = opts.withDefaults(e.defaults)

	start := e.clock.Now()
	sched := newSchedule(opts)
	maxAttempts := opts.Retry + 1

	var (
		value    T
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				lastErr = &CancellationError{Step: name, Err: err}
				break
			}
		}

		attempts = attempt
		v, err := runAttempt(ctx, e.clock, name, op, opts.Timeout)
		if err == nil {
			value = v
			lastErr = nil
			break
		}
		lastErr = err

		if IsFatal(err) || IsCancelled(err) {
			e.logger.Debug("Step failed with non-retryable error",
				"step", name, "attempt", attempt, "error", err)
			break
		}
		if attempt == maxAttempts {
			break
		}

		hint, _ := RetryAfter(err)
		delay := sched.next(hint)
		e.logger.Debug("Step failed, retrying",
			"step", name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff", delay,
			"error", err)

		if err := e.clock.Sleep(ctx, delay); err != nil {
			lastErr = &CancellationError{Step: name, Err: err}
			break
		}
	}

	end := e.clock.Now()
	res := Result[T]{
		Value:    value,
		Duration: end.Sub(start),
		Attempts: attempts,
		Success:  lastErr == nil,
		Err:      lastErr,
	}
	e.record(ctx, name, opts, start, end, attempts, lastErr)

	if lastErr != nil {
		e.logger.Warn("Step failed", "step", name, "attempts", attempts, "duration", res.Duration, "error", lastErr)
		return res, lastErr
	}
	return res, nil
}

// runAttempt runs op once, racing it against the timeout when one is set.
func runAttempt[T any](ctx context.Context, clk clock.Clock, name string, op Operation[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return call(ctx, name, op)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(attemptCtx, name, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-clk.After(timeout):
		var zero T
		return zero, &TimeoutError{Step: name, Timeout: timeout}
	}
}

// call invokes op, converting a panic into an error.
func call[T any](ctx context.Context, name string, op Operation[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %q panicked: %v", name, r)
		}
	}()
	return op(ctx)
}

func (e *Executor) record(ctx context.Context, name string, opts Options, start, end time.Time, attempts int, err error) {
	if e.recorder == nil {
		return
	}
	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = metrics.WorkflowFromContext(ctx)
	}
	if workflowID == "" {
		return
	}

	m := metrics.StepMetrics{
		WorkflowID: workflowID,
		Name:       name,
		Duration:   end.Sub(start),
		Attempts:   attempts,
		Success:    err == nil,
		StartTime:  start,
		EndTime:    end,
	}
	if err != nil {
		m.Error = err.Error()
	}
	e.recorder.RecordStep(context.WithoutCancel(ctx), m)
}
