// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/events"
)

// LogSink writes every transition to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event at info level.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("status", string(evt.Status)),
			zap.Time("at", evt.At),
		}
		if evt.ErrorText != "" {
			fields = append(fields, zap.String("error_text", evt.ErrorText))
		}
		s.logger.Info("job transition", fields...)
	}
	return nil
}

// Close is a no-op for the log sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
