package audit

import (
	"context"
	"time"
)

// JobStore persists job lifecycle transitions. Implementations are a durability
// port only: the scheduler logs and discards their errors, it never reverses an
// in-memory transition because a write failed.
type JobStore interface {
	RecordCreated(ctx context.Context, job Job) error
	RecordStarted(ctx context.Context, jobID string, startedAt time.Time) error
	RecordTerminal(ctx context.Context, jobID string, status JobStatus, errText string, outcome CrawlOutcome) error
}

// CrawlRunner executes one crawl job to completion. The scheduler treats it as
// an opaque unit of work: cancellation is signalled through ctx.
type CrawlRunner interface {
	Run(ctx context.Context, job Job) (CrawlOutcome, error)
}

// Engine runs the accessibility ruleset against one already-open page context.
type Engine interface {
	AuditPage(ctx context.Context, url string) (PageAudit, error)
}

// LinkDiscoverer extracts same-host links from a page without a browser.
type LinkDiscoverer interface {
	Discover(ctx context.Context, pageURL string) ([]string, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for report path naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}
