package step

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/stepflow/clock"
	"github.com/c360studio/stepflow/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type captureRecorder struct {
	mu      sync.Mutex
	records []metrics.StepMetrics
}

func (r *captureRecorder) RecordStep(_ context.Context, m metrics.StepMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, m)
}

func (r *captureRecorder) all() []metrics.StepMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]metrics.StepMetrics, len(r.records))
	copy(out, r.records)
	return out
}

func newTestExecutor() (*Executor, *clock.Fake, *captureRecorder) {
	fc := clock.NewFake(epoch)
	rec := &captureRecorder{}
	return NewExecutor(WithClock(fc), WithRecorder(rec)), fc, rec
}

// failN returns an operation that fails n times with err before succeeding.
func failN(n int, err error) (Operation[string], *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) (string, error) {
		if int(calls.Add(1)) <= n {
			return "", err
		}
		return "ok", nil
	}, &calls
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	e, fc, rec := newTestExecutor()
	op, calls := failN(0, nil)

	res, err := Run(context.Background(), e, "load", op, Options{WorkflowID: "wf"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, fc.Sleeps())

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "wf", records[0].WorkflowID)
	assert.Equal(t, "load", records[0].Name)
	assert.True(t, records[0].Success)
	assert.Equal(t, 1, records[0].Attempts)
}

func TestRun_ExponentialBackoff(t *testing.T) {
	e, fc, rec := newTestExecutor()
	op, calls := failN(2, errors.New("flaky"))

	res, err := Run(context.Background(), e, "flaky", op, Options{
		Retry:             3,
		RetryDelay:        100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
		WorkflowID:        "wf",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, fc.Sleeps())
	assert.Equal(t, 300*time.Millisecond, res.Duration)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, 300*time.Millisecond, records[0].Duration)
}

func TestRun_DelayCappedAtMaxDelay(t *testing.T) {
	e, fc, _ := newTestExecutor()
	op, _ := failN(4, errors.New("flaky"))

	_, err := Run(context.Background(), e, "capped", op, Options{
		Retry:             4,
		RetryDelay:        time.Second,
		BackoffMultiplier: 3,
		MaxDelay:          5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second,
	}, fc.Sleeps())
}

func TestRun_ExhaustsRetries(t *testing.T) {
	e, fc, rec := newTestExecutor()
	boom := errors.New("boom")
	op, calls := failN(10, boom)

	res, err := Run(context.Background(), e, "doomed", op, Options{
		Retry:      2,
		RetryDelay: 10 * time.Millisecond,
		WorkflowID: "wf",
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, fc.Sleeps(), 2, "no sleep after the last attempt")

	records := rec.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, "boom", records[0].Error)
}

func TestRun_FatalErrorNotRetried(t *testing.T) {
	e, fc, rec := newTestExecutor()
	op, calls := failN(10, NewFatalError(errors.New("bad request")))

	res, err := Run(context.Background(), e, "fatal", op, Options{Retry: 5, WorkflowID: "wf"})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, fc.Sleeps())
	assert.Len(t, rec.all(), 1)
}

func TestRun_RetryAfterHint(t *testing.T) {
	e, fc, _ := newTestExecutor()
	var calls atomic.Int32
	op := func(context.Context) (int, error) {
		switch calls.Add(1) {
		case 1:
			return 0, NewRetryableError(errors.New("rate limited"), 3*time.Second)
		case 2:
			return 0, NewRetryableError(errors.New("rate limited"), time.Minute)
		case 3:
			return 0, errors.New("plain")
		}
		return 42, nil
	}

	res, err := Run(context.Background(), e, "hinted", op, Options{
		Retry:             3,
		RetryDelay:        100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	// The hint replaces the computed delay, is capped at MaxDelay, and the
	// exponent keeps advancing underneath it.
	assert.Equal(t, []time.Duration{3 * time.Second, 10 * time.Second, 400 * time.Millisecond}, fc.Sleeps())
}

func TestRun_Timeout(t *testing.T) {
	rec := &captureRecorder{}
	e := NewExecutor(WithRecorder(rec))

	var sawCancel atomic.Bool
	op := func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}

	start := time.Now()
	res, err := Run(context.Background(), e, "slow", op, Options{
		Timeout:    50 * time.Millisecond,
		WorkflowID: "wf",
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)

	records := rec.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
}

func TestRun_TimeoutIsRetried(t *testing.T) {
	e := NewExecutor()
	var calls atomic.Int32
	op := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	}

	res, err := Run(context.Background(), e, "retry-timeout", op, Options{
		Retry:      1,
		RetryDelay: time.Millisecond,
		Timeout:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Value)
	assert.Equal(t, 2, res.Attempts)
}

func TestRun_CancelledBetweenAttempts(t *testing.T) {
	e, _, rec := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	op := func(context.Context) (string, error) {
		calls.Add(1)
		cancel()
		return "", errors.New("transient")
	}

	res, err := Run(ctx, e, "cancelled", op, Options{Retry: 5, WorkflowID: "wf"})
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())

	var ce *CancellationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "cancelled", ce.Step)

	records := rec.all()
	require.Len(t, records, 1, "cancellation is still recorded")
	assert.False(t, records[0].Success)
}

func TestRun_PreCancelledContextStillRunsFirstAttempt(t *testing.T) {
	e, _, _ := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op, calls := failN(0, nil)
	res, err := Run(ctx, e, "first", op, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_PanicBecomesError(t *testing.T) {
	e, _, _ := newTestExecutor()
	op := func(context.Context) (string, error) {
		panic("kaboom")
	}

	_, err := Run(context.Background(), e, "panicky", op, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRun_WorkflowFromContext(t *testing.T) {
	e, _, rec := newTestExecutor()
	op, _ := failN(0, nil)

	ctx := metrics.WithWorkflow(context.Background(), "ctx-wf")
	_, err := Run(ctx, e, "ambient", op, Options{})
	require.NoError(t, err)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, "ctx-wf", records[0].WorkflowID)
}

func TestRun_NoWorkflowRecordsNothing(t *testing.T) {
	e, _, rec := newTestExecutor()
	op, _ := failN(0, nil)

	_, err := Run(context.Background(), e, "orphan", op, Options{})
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestRun_WithCollector(t *testing.T) {
	fc := clock.NewFake(epoch)
	collector := metrics.NewCollector(metrics.WithClock(fc))
	e := NewExecutor(WithClock(fc), WithRecorder(collector))

	collector.StartWorkflow("wf")
	op, _ := failN(1, errors.New("once"))
	_, err := Run(context.Background(), e, "fetch", op, Options{Retry: 1, RetryDelay: 50 * time.Millisecond, WorkflowID: "wf"})
	require.NoError(t, err)

	summary, ok := collector.Summary("wf")
	require.True(t, ok)
	assert.Equal(t, 1, summary.StepCount)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 50*time.Millisecond, summary.TotalDuration)
}

func TestOptions_WithDefaults(t *testing.T) {
	got := Options{Retry: -1, Timeout: -time.Second}.withDefaults(DefaultOptions())
	assert.Equal(t, Options{
		Retry:             0,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}, got)
}
