// Package worker executes one audit crawl job end to end: breadth-first page
// discovery across a single host, a ruleset run per page, and a JSON report
// written to blob storage.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/metrics"
	"github.com/a11yops/auditcrawler/internal/politeness"
)

// Config bounds a crawl when the job parameters leave a knob unset.
type Config struct {
	DefaultMaxDepth    int
	DefaultMaxPages    int
	DefaultConcurrency int
	MaxPagesCeiling    int
	ReportPathPrefix   string
	CompletionTopic    string
}

const (
	defaultMaxDepth    = 2
	defaultMaxPages    = 25
	defaultConcurrency = 2
	defaultMaxCeiling  = 200
	defaultPathPrefix  = "reports"
)

// Crawler implements audit.CrawlRunner.
type Crawler struct {
	cfg        Config
	engine     audit.Engine
	discoverer audit.LinkDiscoverer
	gate       *politeness.Gate
	blobs      audit.BlobStore
	publisher  audit.Publisher
	hasher     audit.Hasher
	clock      audit.Clock
	logger     *zap.Logger
}

// New constructs a Crawler. The publisher may be nil when completion events
// are disabled.
func New(
	cfg Config,
	engine audit.Engine,
	discoverer audit.LinkDiscoverer,
	gate *politeness.Gate,
	blobs audit.BlobStore,
	publisher audit.Publisher,
	hasher audit.Hasher,
	clock audit.Clock,
	logger *zap.Logger,
) *Crawler {
	if cfg.DefaultMaxDepth <= 0 {
		cfg.DefaultMaxDepth = defaultMaxDepth
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = defaultMaxPages
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = defaultConcurrency
	}
	if cfg.MaxPagesCeiling <= 0 {
		cfg.MaxPagesCeiling = defaultMaxCeiling
	}
	if cfg.ReportPathPrefix == "" {
		cfg.ReportPathPrefix = defaultPathPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:        cfg,
		engine:     engine,
		discoverer: discoverer,
		gate:       gate,
		blobs:      blobs,
		publisher:  publisher,
		hasher:     hasher,
		clock:      clock,
		logger:     logger,
	}
}

// Run crawls the job's site and uploads the report. The crawl is breadth
// first: every page at depth N is audited before depth N+1 starts, so the
// page budget is spent near the start URL first.
func (c *Crawler) Run(ctx context.Context, job audit.Job) (audit.CrawlOutcome, error) {
	params := c.effectiveParams(job.Parameters)
	host, err := politeness.HostOf(params.URL)
	if err != nil {
		return audit.CrawlOutcome{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	site := metrics.SanitizeSite(host)
	start := c.clock.Now()

	logger := c.logger.With(zap.String("job_id", job.ID), zap.String("site", host))
	logger.Info("crawl starting",
		zap.Int("max_depth", params.MaxDepth),
		zap.Int("max_pages", params.MaxPages),
		zap.Int("concurrency", params.Concurrency),
	)

	pages, err := c.crawl(ctx, logger, site, params)
	if err != nil {
		return audit.CrawlOutcome{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	report := c.buildReport(job, params, pages, start)
	uri, err := c.uploadReport(ctx, report)
	if err != nil {
		return audit.CrawlOutcome{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	c.publishCompletion(ctx, logger, job, report, uri)

	logger.Info("crawl finished",
		zap.Int("pages", len(pages)),
		zap.Int("failures", report.TotalFailures),
		zap.String("report_uri", uri),
	)
	return audit.CrawlOutcome{PagesVisited: len(pages), ReportURI: uri}, nil
}

// crawl walks the frontier depth by depth. Page failures after the first page
// are logged and skipped; a dead start URL fails the whole job since there is
// nothing to report on.
func (c *Crawler) crawl(ctx context.Context, logger *zap.Logger, site string, params audit.JobParameters) ([]audit.PageAudit, error) {
	visited := map[string]struct{}{params.URL: {}}
	frontier := []string{params.URL}

	var (
		mu    sync.Mutex
		pages []audit.PageAudit
	)

	for depth := 0; depth <= params.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("crawl interrupted: %w", err)
		}

		var (
			nextMu sync.Mutex
			next   []string
		)
		discover := depth < params.MaxDepth

		eg := new(errgroup.Group)
		eg.SetLimit(params.Concurrency)
		for _, pageURL := range frontier {
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := c.gate.WaitTurn(ctx, pageURL); err != nil {
					return err
				}

				pa, auditErr := c.engine.AuditPage(ctx, pageURL)
				if auditErr != nil {
					metrics.ObservePage(site, "error")
					if depth == 0 {
						return fmt.Errorf("audit start page: %w", auditErr)
					}
					logger.Warn("page audit failed, skipping",
						zap.String("url", pageURL), zap.Error(auditErr))
					return nil
				}
				metrics.ObservePage(site, "ok")
				mu.Lock()
				pages = append(pages, pa)
				mu.Unlock()

				if !discover {
					return nil
				}
				links, discErr := c.discoverer.Discover(ctx, pageURL)
				if discErr != nil {
					logger.Debug("link discovery failed",
						zap.String("url", pageURL), zap.Error(discErr))
					return nil
				}
				nextMu.Lock()
				next = append(next, links...)
				nextMu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, link := range next {
			if len(visited) >= params.MaxPages {
				break
			}
			if _, seen := visited[link]; seen {
				continue
			}
			visited[link] = struct{}{}
			frontier = append(frontier, link)
		}
	}
	return pages, nil
}

func (c *Crawler) buildReport(job audit.Job, params audit.JobParameters, pages []audit.PageAudit, start time.Time) audit.Report {
	total := 0
	for _, p := range pages {
		total += len(p.Violations)
	}
	now := c.clock.Now()
	return audit.Report{
		JobID:          job.ID,
		URL:            params.URL,
		RulesetVersion: params.RulesetVersion,
		WCAGLevel:      params.WCAGLevel,
		Pages:          pages,
		TotalFailures:  total,
		GeneratedAt:    now,
		Duration:       now.Sub(start),
	}
}

// uploadReport writes the report under a content-addressed path so a retried
// upload of identical results lands on the same object.
func (c *Crawler) uploadReport(ctx context.Context, report audit.Report) (string, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	digest, err := c.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash report: %w", err)
	}
	path := fmt.Sprintf("%s/%s/%s.json",
		strings.TrimSuffix(c.cfg.ReportPathPrefix, "/"), report.JobID, digest[:16])
	uri, err := c.blobs.PutObject(ctx, path, "application/json", payload)
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return uri, nil
}

// publishCompletion is best effort: a broker outage must not fail a crawl
// whose report is already stored.
func (c *Crawler) publishCompletion(ctx context.Context, logger *zap.Logger, job audit.Job, report audit.Report, uri string) {
	if c.publisher == nil || c.cfg.CompletionTopic == "" {
		return
	}
	msg := map[string]any{
		"job_id":         job.ID,
		"url":            report.URL,
		"pages_visited":  len(report.Pages),
		"total_failures": report.TotalFailures,
		"report_uri":     uri,
		"generated_at":   report.GeneratedAt,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.CompletionTopic, msg); err != nil {
		logger.Warn("completion event publish failed", zap.Error(err))
	}
}

func (c *Crawler) effectiveParams(p audit.JobParameters) audit.JobParameters {
	if p.MaxDepth <= 0 {
		p.MaxDepth = c.cfg.DefaultMaxDepth
	}
	if p.MaxPages <= 0 {
		p.MaxPages = c.cfg.DefaultMaxPages
	}
	if p.MaxPages > c.cfg.MaxPagesCeiling {
		p.MaxPages = c.cfg.MaxPagesCeiling
	}
	if p.Concurrency <= 0 {
		p.Concurrency = c.cfg.DefaultConcurrency
	}
	return p
}
