// Package axe runs the axe-core accessibility ruleset against rendered pages
// using a pooled headless browser.
package axe

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/browser"
)

// Config controls engine behavior.
type Config struct {
	// ScriptPath points at the bundled axe-core JavaScript file.
	ScriptPath string
	// WCAGLevel selects which rule tags run: A, AA or AAA.
	WCAGLevel       string
	NavigateTimeout time.Duration
	RunTimeout      time.Duration
}

const (
	defaultNavigateTimeout = 30 * time.Second
	defaultRunTimeout      = 60 * time.Second
)

// Engine audits single pages. Each call checks a browser out of the pool,
// opens an isolated tab context, injects the ruleset and collects results.
type Engine struct {
	cfg    Config
	pool   *browser.Pool
	clock  audit.Clock
	logger *zap.Logger
	script string
}

// New loads the ruleset script from disk and returns an Engine. A missing or
// unreadable script is a construction-time error, not a per-page one.
func New(cfg Config, pool *browser.Pool, clock audit.Clock, logger *zap.Logger) (*Engine, error) {
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = defaultNavigateTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.WCAGLevel == "" {
		cfg.WCAGLevel = "AA"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read ruleset script %s: %w", cfg.ScriptPath, err)
	}
	return &Engine{
		cfg:    cfg,
		pool:   pool,
		clock:  clock,
		logger: logger,
		script: string(raw),
	}, nil
}

// axeResult mirrors the subset of the axe.run output the report needs.
type axeResult struct {
	Violations []struct {
		ID          string `json:"id"`
		Impact      string `json:"impact"`
		Description string `json:"description"`
		Nodes       []struct {
			Target []string `json:"target"`
		} `json:"nodes"`
	} `json:"violations"`
	Passes []struct {
		ID string `json:"id"`
	} `json:"passes"`
}

// AuditPage navigates to the URL in a fresh tab context and runs the ruleset.
func (e *Engine) AuditPage(ctx context.Context, pageURL string) (audit.PageAudit, error) {
	inst, err := e.pool.Acquire(ctx)
	if err != nil {
		return audit.PageAudit{}, fmt.Errorf("audit %s: %w", pageURL, err)
	}
	defer e.pool.Release(inst)

	pageCtx, cancelPage, err := e.pool.NewPage(inst)
	if err != nil {
		return audit.PageAudit{}, fmt.Errorf("audit %s: %w", pageURL, err)
	}
	defer cancelPage()

	// Tie the tab to the caller so job cancellation tears the page down.
	go func() {
		select {
		case <-ctx.Done():
			cancelPage()
		case <-pageCtx.Done():
		}
	}()

	start := e.clock.Now()
	var title string
	navCtx, cancelNav := context.WithTimeout(pageCtx, e.cfg.NavigateTimeout)
	defer cancelNav()
	err = chromedp.Run(navCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
	)
	if err != nil {
		return audit.PageAudit{}, fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	loadTime := e.clock.Now().Sub(start)

	runCtx, cancelRun := context.WithTimeout(pageCtx, e.cfg.RunTimeout)
	defer cancelRun()

	var result axeResult
	err = chromedp.Run(runCtx,
		chromedp.Evaluate(e.script, nil),
		chromedp.Evaluate(runExpression(e.cfg.WCAGLevel), &result,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true).WithReturnByValue(true)
			}),
	)
	if err != nil {
		return audit.PageAudit{}, fmt.Errorf("run ruleset on %s: %w", pageURL, err)
	}

	pa := audit.PageAudit{
		URL:       pageURL,
		Title:     title,
		Passes:    len(result.Passes),
		LoadTime:  loadTime,
		AuditedAt: e.clock.Now(),
	}
	for _, v := range result.Violations {
		selector := ""
		if len(v.Nodes) > 0 && len(v.Nodes[0].Target) > 0 {
			selector = v.Nodes[0].Target[0]
		}
		pa.Violations = append(pa.Violations, audit.Violation{
			RuleID:   v.ID,
			Impact:   v.Impact,
			Selector: selector,
			Summary:  v.Description,
		})
	}
	e.logger.Debug("page audited",
		zap.String("url", pageURL),
		zap.Int("violations", len(pa.Violations)),
		zap.Duration("load_time", loadTime),
	)
	return pa, nil
}

// runExpression builds the axe.run invocation for a WCAG conformance level.
func runExpression(level string) string {
	tags := []string{"wcag2a"}
	switch strings.ToUpper(level) {
	case "A":
	case "AAA":
		tags = append(tags, "wcag2aa", "wcag2aaa")
	default:
		tags = append(tags, "wcag2aa")
	}
	quoted := make([]string, len(tags))
	for i, tag := range tags {
		quoted[i] = fmt.Sprintf("%q", tag)
	}
	return fmt.Sprintf(
		`axe.run(document, {runOnly: {type: "tag", values: [%s]}, resultTypes: ["violations", "passes"]})`,
		strings.Join(quoted, ", "),
	)
}
