// Package events fans job lifecycle transitions out to registered sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/a11yops/auditcrawler/internal/audit"
)

// Event describes one observed job status transition.
type Event struct {
	JobID     string          `json:"job_id"`
	Status    audit.JobStatus `json:"status"`
	ErrorText string          `json:"error_text,omitempty"`
	At        time.Time       `json:"at"`
}

// Validate checks the minimum fields required to route an event.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("event job id is required")
	}
	if e.Status == "" {
		return errors.New("event status is required")
	}
	return nil
}

// Sink consumes transition events. Consume must tolerate being called from the
// hub's dispatch goroutine and should not block for long.
type Sink interface {
	Consume(ctx context.Context, events []Event) error
	Close(ctx context.Context) error
}
