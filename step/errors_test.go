package step

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("base")

	tests := []struct {
		name      string
		err       error
		fatal     bool
		retryable bool
		timeout   bool
		cancelled bool
	}{
		{"plain", base, false, false, false, false},
		{"fatal", NewFatalError(base), true, false, false, false},
		{"wrapped fatal", fmt.Errorf("calling api: %w", NewFatalError(base)), true, false, false, false},
		{"retryable", NewRetryableError(base, time.Second), false, true, false, false},
		{"timeout", &TimeoutError{Step: "s", Timeout: time.Second}, false, false, true, false},
		{"cancelled", &CancellationError{Step: "s", Err: context.Canceled}, false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
			assert.Equal(t, tt.cancelled, IsCancelled(tt.err))
		})
	}
}

func TestErrorConstructorsNil(t *testing.T) {
	assert.NoError(t, NewFatalError(nil))
	assert.NoError(t, NewRetryableError(nil, time.Second))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("base")
	assert.ErrorIs(t, NewFatalError(base), base)
	assert.ErrorIs(t, NewRetryableError(base, 0), base)
	assert.ErrorIs(t, &CancellationError{Step: "s", Err: context.DeadlineExceeded}, context.DeadlineExceeded)
	assert.Equal(t, `step "s" timed out after 50ms`, (&TimeoutError{Step: "s", Timeout: 50 * time.Millisecond}).Error())
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(NewRetryableError(errors.New("x"), 2*time.Second))
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = RetryAfter(NewRetryableError(errors.New("x"), 0))
	assert.False(t, ok)

	_, ok = RetryAfter(errors.New("x"))
	assert.False(t, ok)
}
