package step

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options holds the retry policy for a single Run.
type Options struct {
	// Retry is the number of retries after the first attempt.
	Retry int `yaml:"retry" json:"retry"`

	// RetryDelay is the backoff before the first retry.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// BackoffMultiplier is applied to the delay on each further retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// MaxDelay caps every delay, including explicit RetryAfter hints.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Timeout bounds each attempt. Zero disables the timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// WorkflowID attributes the step's metrics. When empty the workflow carried
	// by the context (metrics.WithWorkflow) is used; with neither, nothing is recorded.
	WorkflowID string `yaml:"-" json:"workflow_id,omitempty"`
}

// DefaultOptions returns the default policy: no retries, 1s initial delay
// doubling up to 10s, no timeout.
func DefaultOptions() Options {
	return Options{
		Retry:             0,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          10 * time.Second,
	}
}

// withDefaults fills non-positive delay fields from d.
func (o Options) withDefaults(d Options) Options {
	if o.Retry < 0 {
		o.Retry = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	return o
}

// schedule yields RetryDelay * BackoffMultiplier^(n-1), capped at MaxDelay,
// for the n-th failure.
type schedule struct {
	policy   *backoff.ExponentialBackOff
	maxDelay time.Duration
}

func newSchedule(o Options) *schedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryDelay
	b.Multiplier = o.BackoffMultiplier
	b.MaxInterval = o.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &schedule{policy: b, maxDelay: o.MaxDelay}
}

// next returns the delay after the current failure. A hint replaces the
// computed delay but the exponent still advances.
func (s *schedule) next(hint time.Duration) time.Duration {
	d := s.policy.NextBackOff()
	if hint > 0 {
		d = hint
	}
	if d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}
