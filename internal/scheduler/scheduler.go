// Package scheduler implements admission control and lifecycle tracking for
// audit crawl jobs under a global concurrency cap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/events"
	"github.com/a11yops/auditcrawler/internal/metrics"
)

// Config controls Scheduler behavior.
type Config struct {
	MaxConcurrentJobs int
	MaxJobRuntime     time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
}

const (
	defaultMaxConcurrentJobs = 3
	defaultMaxJobRuntime     = 30 * time.Minute
	defaultSweepInterval     = 30 * time.Second
	defaultRetention         = time.Hour
)

// ErrNothingToCancel is returned when cancelling a job that is already
// terminal or unknown.
var ErrNothingToCancel = errors.New("nothing to cancel")

// Stats is the capacity snapshot exposed to callers.
type Stats struct {
	Running       int  `json:"running"`
	Queued        int  `json:"queued"`
	MaxConcurrent int  `json:"max_concurrent"`
	CanAdmitMore  bool `json:"can_admit_more"`
}

// trackedJob pairs a job with its stop signal. cancel is non-nil iff the job
// is running.
type trackedJob struct {
	job    audit.Job
	cancel context.CancelFunc
}

// Scheduler owns all job state. Every transition happens under mu, so no two
// transitions for the same job can race. The runner goroutines and the sweep
// ticker only ever call back through the locked methods.
type Scheduler struct {
	cfg    Config
	runner audit.CrawlRunner
	store  audit.JobStore
	clock  audit.Clock
	idGen  audit.IDGenerator
	hub    *events.Hub
	logger *zap.Logger

	mu       sync.Mutex
	queued   []*trackedJob
	running  map[string]*trackedJob
	finished map[string]*trackedJob
	evictAt  map[string]time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New constructs a Scheduler. The hub may be nil.
func New(
	cfg Config,
	runner audit.CrawlRunner,
	store audit.JobStore,
	clock audit.Clock,
	idGen audit.IDGenerator,
	hub *events.Hub,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if cfg.MaxJobRuntime <= 0 {
		cfg.MaxJobRuntime = defaultMaxJobRuntime
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		runner:     runner,
		store:      store,
		clock:      clock,
		idGen:      idGen,
		hub:        hub,
		logger:     logger,
		running:    make(map[string]*trackedJob),
		finished:   make(map[string]*trackedJob),
		evictAt:    make(map[string]time.Time),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	return s
}

// Submit admits a new job: it either starts immediately or joins the FIFO
// queue. It never blocks on worker completion and never rejects a request.
func (s *Scheduler) Submit(ctx context.Context, params audit.JobParameters, ownerID string) (audit.Job, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return audit.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	tj := &trackedJob{job: audit.Job{
		ID:         id,
		OwnerID:    ownerID,
		Status:     audit.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}}

	if err := s.store.RecordCreated(ctx, tj.job); err != nil {
		s.logger.Warn("record job creation failed", zap.String("job_id", id), zap.Error(err))
	}
	s.emit(tj.job)

	s.mu.Lock()
	var launch func()
	if len(s.running) < s.cfg.MaxConcurrentJobs {
		launch = s.startLocked(tj, now)
	} else {
		s.queued = append(s.queued, tj)
	}
	snapshot := tj.job
	s.updateGaugesLocked()
	s.mu.Unlock()

	if launch != nil {
		launch()
	}
	return snapshot, nil
}

// startLocked transitions a job to running and returns the closure that
// actually records persistence and spawns the worker goroutine. The closure
// must be invoked after the lock is released.
func (s *Scheduler) startLocked(tj *trackedJob, now time.Time) func() {
	started := now
	tj.job.Status = audit.JobStatusRunning
	tj.job.Started = &started
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	tj.cancel = cancel
	s.running[tj.job.ID] = tj

	snapshot := tj.job
	return func() {
		if err := s.store.RecordStarted(s.baseCtx, snapshot.ID, started); err != nil {
			s.logger.Warn("record job start failed", zap.String("job_id", snapshot.ID), zap.Error(err))
		}
		s.emit(snapshot)
		go s.execute(jobCtx, snapshot)
	}
}

func (s *Scheduler) execute(ctx context.Context, job audit.Job) {
	outcome, err := s.runner.Run(ctx, job)
	s.handleWorkerExit(job.ID, outcome, err)
}

// handleWorkerExit is invoked exactly once per worker goroutine. If the job
// has already left the running set (cancelled or swept out on timeout) the
// terminal status stands and the exit is ignored.
func (s *Scheduler) handleWorkerExit(jobID string, outcome audit.CrawlOutcome, err error) {
	now := s.clock.Now()

	s.mu.Lock()
	tj, ok := s.running[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.running, jobID)
	if tj.cancel != nil {
		// The worker has returned; cancel now only releases the child
		// context from the scheduler's base context.
		tj.cancel()
		tj.cancel = nil
	}

	if err != nil {
		tj.job.Status = audit.JobStatusError
		tj.job.ErrorText = err.Error()
	} else {
		tj.job.Status = audit.JobStatusCompleted
		tj.job.ReportURI = outcome.ReportURI
		tj.job.Pages = outcome.PagesVisited
	}
	finished := now
	tj.job.Finished = &finished
	s.finished[jobID] = tj
	s.evictAt[jobID] = now.Add(s.cfg.Retention)

	snapshot := tj.job
	launches := s.drainQueueLocked(now)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.recordTerminal(snapshot, outcome)
	for _, launch := range launches {
		launch()
	}
}

// Cancel terminates a job on behalf of the caller. Authorization is the
// caller's responsibility. A queued job is marked cancelled directly; a
// running job gets a best-effort stop signal and is marked cancelled without
// waiting for the worker to exit.
func (s *Scheduler) Cancel(jobID string) error {
	now := s.clock.Now()

	s.mu.Lock()
	for i, tj := range s.queued {
		if tj.job.ID != jobID {
			continue
		}
		s.queued = append(s.queued[:i], s.queued[i+1:]...)
		finished := now
		tj.job.Status = audit.JobStatusCancelled
		tj.job.Finished = &finished
		s.finished[jobID] = tj
		s.evictAt[jobID] = now.Add(s.cfg.Retention)
		snapshot := tj.job
		s.updateGaugesLocked()
		s.mu.Unlock()

		s.recordTerminal(snapshot, audit.CrawlOutcome{})
		return nil
	}

	if tj, ok := s.running[jobID]; ok {
		delete(s.running, jobID)
		tj.cancel()
		tj.cancel = nil
		finished := now
		tj.job.Status = audit.JobStatusCancelled
		tj.job.Finished = &finished
		s.finished[jobID] = tj
		s.evictAt[jobID] = now.Add(s.cfg.Retention)
		snapshot := tj.job
		launches := s.drainQueueLocked(now)
		s.updateGaugesLocked()
		s.mu.Unlock()

		s.recordTerminal(snapshot, audit.CrawlOutcome{})
		for _, launch := range launches {
			launch()
		}
		return nil
	}
	s.mu.Unlock()

	return fmt.Errorf("cancel %s: %w", jobID, ErrNothingToCancel)
}

// Sweep enforces the per-job runtime limit, evicts terminal jobs past the
// retention period, and drains the queue. It is called on a fixed interval by
// Run and directly by tests.
func (s *Scheduler) Sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	var timedOut []audit.Job
	for id, tj := range s.running {
		if tj.job.Started == nil || now.Sub(*tj.job.Started) <= s.cfg.MaxJobRuntime {
			continue
		}
		delete(s.running, id)
		tj.cancel()
		tj.cancel = nil
		finished := now
		tj.job.Status = audit.JobStatusTimeout
		tj.job.ErrorText = fmt.Sprintf("exceeded max runtime of %s", s.cfg.MaxJobRuntime)
		tj.job.Finished = &finished
		s.finished[id] = tj
		s.evictAt[id] = now.Add(s.cfg.Retention)
		timedOut = append(timedOut, tj.job)
	}

	for id, at := range s.evictAt {
		if now.Before(at) {
			continue
		}
		delete(s.finished, id)
		delete(s.evictAt, id)
	}

	launches := s.drainQueueLocked(now)
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, job := range timedOut {
		s.recordTerminal(job, audit.CrawlOutcome{})
	}
	for _, launch := range launches {
		launch()
	}
}

// Run drives the periodic sweep until ctx finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops every running worker. Intended for process shutdown.
func (s *Scheduler) Close() {
	s.baseCancel()
}

// Stats returns the capacity snapshot. Purely a read.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:       len(s.running),
		Queued:        len(s.queued),
		MaxConcurrent: s.cfg.MaxConcurrentJobs,
		CanAdmitMore:  len(s.running) < s.cfg.MaxConcurrentJobs,
	}
}

// ListActive returns a snapshot of running jobs.
func (s *Scheduler) ListActive() []audit.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Job, 0, len(s.running))
	for _, tj := range s.running {
		out = append(out, tj.job)
	}
	return out
}

// ListQueued returns queued jobs in admission order.
func (s *Scheduler) ListQueued() []audit.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Job, 0, len(s.queued))
	for _, tj := range s.queued {
		out = append(out, tj.job)
	}
	return out
}

// GetJob fetches any tracked job (queued, running, or terminal but not yet
// evicted).
func (s *Scheduler) GetJob(jobID string) (audit.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tj, ok := s.running[jobID]; ok {
		return tj.job, true
	}
	if tj, ok := s.finished[jobID]; ok {
		return tj.job, true
	}
	for _, tj := range s.queued {
		if tj.job.ID == jobID {
			return tj.job, true
		}
	}
	return audit.Job{}, false
}

// drainQueueLocked admits queued jobs, oldest first, while slots are free.
func (s *Scheduler) drainQueueLocked(now time.Time) []func() {
	var launches []func()
	for len(s.queued) > 0 && len(s.running) < s.cfg.MaxConcurrentJobs {
		tj := s.queued[0]
		s.queued = s.queued[1:]
		launches = append(launches, s.startLocked(tj, now))
	}
	return launches
}

func (s *Scheduler) updateGaugesLocked() {
	metrics.SetSchedulerGauges(len(s.running), len(s.queued))
}

func (s *Scheduler) recordTerminal(job audit.Job, outcome audit.CrawlOutcome) {
	if err := s.store.RecordTerminal(s.baseCtx, job.ID, job.Status, job.ErrorText, outcome); err != nil {
		s.logger.Warn("record terminal status failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
	s.emit(job)
}

func (s *Scheduler) emit(job audit.Job) {
	s.hub.Emit(events.Event{
		JobID:     job.ID,
		Status:    job.Status,
		ErrorText: job.ErrorText,
		At:        s.clock.Now(),
	})
}
