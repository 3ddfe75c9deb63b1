package metrics

import (
	"context"
	"log/slog"
)

// Sink receives step records and workflow summaries as they are produced.
// Errors are logged by the Collector and never reach the caller.
type Sink interface {
	RecordStep(ctx context.Context, m StepMetrics) error
	RecordSummary(ctx context.Context, s Summary) error
}

// LogSink writes records to a slog logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordStep(ctx context.Context, m StepMetrics) error {
	level := slog.LevelDebug
	if !m.Success {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "Step recorded",
		"workflow", m.WorkflowID,
		"step", m.Name,
		"success", m.Success,
		"attempts", m.Attempts,
		"duration", m.Duration,
		"error", m.Error)
	return nil
}

func (s *LogSink) RecordSummary(ctx context.Context, sum Summary) error {
	s.logger.InfoContext(ctx, "Workflow summary",
		"workflow", sum.WorkflowID,
		"steps", sum.StepCount,
		"successful", sum.Successful,
		"failed", sum.Failed,
		"attempts", sum.TotalAttempts,
		"avg_step_duration", sum.AvgStepDuration,
		"duration", sum.TotalDuration)
	return nil
}
