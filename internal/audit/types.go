// Package audit defines core types shared across subsystems.
package audit

import "time"

// JobStatus represents the lifecycle state of an audit crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// IsTerminal reports whether no further status transition can occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled, JobStatusTimeout:
		return true
	default:
		return false
	}
}

// JobParameters captures per-job configuration knobs requested by the client.
type JobParameters struct {
	URL            string `json:"url"`
	MaxDepth       int    `json:"max_depth"`
	MaxPages       int    `json:"max_pages"`
	Concurrency    int    `json:"concurrency"`
	RulesetVersion string `json:"ruleset_version"`
	WCAGLevel      string `json:"wcag_level"`
}

// Job represents the metadata tracked for each submitted audit crawl.
// OwnerID is empty for anonymous submissions.
type Job struct {
	ID         string        `json:"id"`
	OwnerID    string        `json:"owner_id,omitempty"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	ReportURI  string        `json:"report_uri,omitempty"`
	Pages      int           `json:"pages_visited"`
}

// CrawlOutcome is returned by a CrawlRunner on success.
type CrawlOutcome struct {
	PagesVisited int    `json:"pages_visited"`
	ReportURI    string `json:"report_uri"`
}

// Violation is one accessibility rule failure found on a page.
type Violation struct {
	RuleID   string `json:"rule_id"`
	Impact   string `json:"impact"`
	Selector string `json:"selector"`
	Summary  string `json:"summary"`
}

// PageAudit is the per-page result produced by the audit engine.
type PageAudit struct {
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	Violations []Violation   `json:"violations"`
	Passes     int           `json:"passes"`
	LoadTime   time.Duration `json:"load_time"`
	AuditedAt  time.Time     `json:"audited_at"`
}

// Report aggregates every page audit produced by one job.
type Report struct {
	JobID          string        `json:"job_id"`
	URL            string        `json:"url"`
	RulesetVersion string        `json:"ruleset_version"`
	WCAGLevel      string        `json:"wcag_level"`
	Pages          []PageAudit   `json:"pages"`
	TotalFailures  int           `json:"total_failures"`
	GeneratedAt    time.Time     `json:"generated_at"`
	Duration       time.Duration `json:"duration"`
}
