// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a11yops/auditcrawler/internal/audit"
)

// JobStore records job transitions in a map. It enforces the same
// terminal-state immutability the Postgres store does so development mode
// behaves like production.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]audit.Job
}

// NewJobStore creates a new in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]audit.Job)}
}

// RecordCreated stores the initial queued row.
func (s *JobStore) RecordCreated(_ context.Context, job audit.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// RecordStarted stamps the running transition.
func (s *JobStore) RecordStarted(_ context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = audit.JobStatusRunning
	job.Started = &startedAt
	s.jobs[jobID] = job
	return nil
}

// RecordTerminal stamps the final state. Already-terminal rows are left alone.
func (s *JobStore) RecordTerminal(_ context.Context, jobID string, status audit.JobStatus, errText string, outcome audit.CrawlOutcome) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.Finished = &now
	job.ErrorText = errText
	job.Pages = outcome.PagesVisited
	job.ReportURI = outcome.ReportURI
	s.jobs[jobID] = job
	return nil
}

// Get returns a stored job snapshot.
func (s *JobStore) Get(jobID string) (audit.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
