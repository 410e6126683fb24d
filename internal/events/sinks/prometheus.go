package sinks

import (
	"context"

	"github.com/a11yops/auditcrawler/internal/events"
	"github.com/a11yops/auditcrawler/internal/metrics"
)

// PrometheusSink counts terminal transitions in the metrics registry.
type PrometheusSink struct{}

// NewPrometheusSink builds a PrometheusSink. metrics.Init must have been
// called before the first Consume.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume records one counter increment per terminal event.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Status.IsTerminal() {
			metrics.ObserveJob(string(evt.Status))
		}
	}
	return nil
}

// Close is a no-op for the prometheus sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
