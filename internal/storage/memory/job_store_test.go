package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a11yops/auditcrawler/internal/audit"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	s := NewJobStore()
	ctx := context.Background()

	job := audit.Job{ID: "job-1", Status: audit.JobStatusQueued, Submitted: time.Now().UTC()}
	require.NoError(t, s.RecordCreated(ctx, job))
	require.Error(t, s.RecordCreated(ctx, job), "duplicate id must be rejected")

	startedAt := time.Now().UTC()
	require.NoError(t, s.RecordStarted(ctx, "job-1", startedAt))
	got, ok := s.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, audit.JobStatusRunning, got.Status)
	require.NotNil(t, got.Started)

	outcome := audit.CrawlOutcome{PagesVisited: 7, ReportURI: "memory://reports/job-1/x.json"}
	require.NoError(t, s.RecordTerminal(ctx, "job-1", audit.JobStatusCompleted, "", outcome))
	got, _ = s.Get("job-1")
	assert.Equal(t, audit.JobStatusCompleted, got.Status)
	assert.Equal(t, 7, got.Pages)
	require.NotNil(t, got.Finished)
}

func TestJobStoreTerminalStateIsImmutable(t *testing.T) {
	t.Parallel()
	s := NewJobStore()
	ctx := context.Background()

	require.NoError(t, s.RecordCreated(ctx, audit.Job{ID: "job-1", Status: audit.JobStatusQueued}))
	require.NoError(t, s.RecordTerminal(ctx, "job-1", audit.JobStatusCancelled, "", audit.CrawlOutcome{}))

	// A worker finishing after cancellation must not change the outcome.
	require.NoError(t, s.RecordTerminal(ctx, "job-1", audit.JobStatusCompleted, "", audit.CrawlOutcome{PagesVisited: 3}))
	got, _ := s.Get("job-1")
	assert.Equal(t, audit.JobStatusCancelled, got.Status)
	assert.Zero(t, got.Pages)

	require.NoError(t, s.RecordStarted(ctx, "job-1", time.Now().UTC()))
	got, _ = s.Get("job-1")
	assert.Equal(t, audit.JobStatusCancelled, got.Status)
}

func TestJobStoreValidation(t *testing.T) {
	t.Parallel()
	s := NewJobStore()
	ctx := context.Background()

	require.Error(t, s.RecordCreated(ctx, audit.Job{}))
	require.Error(t, s.RecordStarted(ctx, "missing", time.Now()))
	require.Error(t, s.RecordTerminal(ctx, "missing", audit.JobStatusCompleted, "", audit.CrawlOutcome{}))
	require.Error(t, s.RecordTerminal(ctx, "missing", audit.JobStatusRunning, "", audit.CrawlOutcome{}))
}
