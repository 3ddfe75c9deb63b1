package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports step and workflow outcomes as Prometheus metrics.
// Step names become label values, so callers should keep them bounded.
type PrometheusSink struct {
	steps            *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	workflows        *prometheus.CounterVec
	workflowDuration prometheus.Histogram
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) (*PrometheusSink, error) {
	if namespace == "" {
		namespace = "stepflow"
	}
	s := &PrometheusSink{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps finished, by step name and outcome.",
		}, []string{"step", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Attempts made by finished steps.",
		}, []string{"step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of finished steps including backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"step"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflows ended, by outcome.",
		}, []string{"outcome"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall time of ended workflows.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}),
	}

	for _, c := range []prometheus.Collector{s.steps, s.attempts, s.stepDuration, s.workflows, s.workflowDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) RecordStep(_ context.Context, m StepMetrics) error {
	s.steps.WithLabelValues(m.Name, outcome(m.Success)).Inc()
	s.attempts.WithLabelValues(m.Name).Add(float64(m.Attempts))
	s.stepDuration.WithLabelValues(m.Name).Observe(m.Duration.Seconds())
	return nil
}

func (s *PrometheusSink) RecordSummary(_ context.Context, sum Summary) error {
	s.workflows.WithLabelValues(outcome(sum.Failed == 0)).Inc()
	s.workflowDuration.Observe(sum.TotalDuration.Seconds())
	return nil
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
