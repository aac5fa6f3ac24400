package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("source", string(evt.Source)),
			zap.String("status", string(evt.Progress.Status)),
			zap.Int("progress", evt.Progress.Progress),
			zap.Int("attempt", evt.Attempt),
			zap.Duration("elapsed", evt.Elapsed),
			zap.Duration("remaining", evt.Remaining),
		}
		if evt.Failure != nil {
			fields = append(fields,
				zap.String("error", evt.Failure.Message),
				zap.Bool("transient", evt.Failure.Transient),
				zap.Bool("exhausted", evt.Failure.Exhausted),
			)
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Name labels the sink in hub logs and metrics.
func (s *LogSink) Name() string { return "log" }

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
