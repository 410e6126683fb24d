// Package browser maintains a pool of reusable headless Chrome instances.
//
// Launching a browser process is the dominant latency cost in browser
// automation, so instances are kept and reused across page visits. Long-lived
// processes accumulate memory, so every instance is retired once it exceeds an
// age or page-count threshold. The pool size bounds retention, not admission:
// demand above the target is served by short-lived extra instances that are
// closed on release instead of pooled.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/metrics"
)

// Config controls pool behavior.
type Config struct {
	TargetSize          int
	MaxInstanceAge      time.Duration
	MaxPagesPerInstance int
	UserAgent           string
	ViewportWidth       int64
	ViewportHeight      int64
	BlockedResources    []string
	ProbeTimeout        time.Duration
}

const (
	defaultTargetSize          = 3
	defaultMaxInstanceAge      = 30 * time.Minute
	defaultMaxPagesPerInstance = 50
	defaultViewportWidth       = 1280
	defaultViewportHeight      = 800
	defaultProbeTimeout        = 2 * time.Second
)

// Retirement reasons reported to metrics.
const (
	retirePoolFull     = "pool_full"
	retireAged         = "aged"
	retirePageCap      = "page_cap"
	retireDisconnected = "disconnected"
	retireShutdown     = "shutdown"
)

// Instance is one pooled browser process handle.
type Instance struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	createdAt   time.Time
	pagesServed int
}

// Age returns how long the instance has been alive.
func (i *Instance) Age(now time.Time) time.Duration {
	return now.Sub(i.createdAt)
}

// PagesServed returns the number of checkouts this instance has served.
func (i *Instance) PagesServed() int {
	return i.pagesServed
}

// Status is the observability snapshot exposed by the pool.
type Status struct {
	PoolSize       int   `json:"pool_size"`
	MaxPoolSize    int   `json:"max_pool_size"`
	CheckedOut     int   `json:"checked_out"`
	ActiveContexts int64 `json:"active_contexts"`
}

// Pool hands out exclusive browser instances and decides, on every release,
// whether the instance is worth keeping.
type Pool struct {
	cfg    Config
	clock  audit.Clock
	logger *zap.Logger

	mu         sync.Mutex
	idle       []*Instance
	checkedOut int
	closed     bool

	activeContexts atomic.Int64

	launch func() (*Instance, error)
	probe  func(inst *Instance) error
}

// NewPool constructs a Pool. Instances are created lazily on demand.
func NewPool(cfg Config, clock audit.Clock, logger *zap.Logger) *Pool {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = defaultTargetSize
	}
	if cfg.MaxInstanceAge <= 0 {
		cfg.MaxInstanceAge = defaultMaxInstanceAge
	}
	if cfg.MaxPagesPerInstance <= 0 {
		cfg.MaxPagesPerInstance = defaultMaxPagesPerInstance
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
	p.launch = p.launchChromedp
	p.probe = p.probeChromedp
	return p
}

// Acquire returns an exclusive instance: a probed idle one when available,
// otherwise a freshly launched one. Creation is not capped; the target size
// only governs what Release keeps.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pool acquire: %w", err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool acquire: pool is shut down")
		}
		var inst *Instance
		if len(p.idle) > 0 {
			inst = p.idle[0]
			p.idle = p.idle[1:]
		}
		if inst != nil {
			p.checkedOut++
		}
		metrics.SetPoolIdle(len(p.idle))
		p.mu.Unlock()

		if inst == nil {
			break
		}

		if err := p.probe(inst); err != nil {
			p.logger.Warn("pooled browser failed liveness probe", zap.Error(err))
			p.retire(inst, retireDisconnected)
			p.mu.Lock()
			p.checkedOut--
			p.mu.Unlock()
			continue
		}
		inst.pagesServed++
		return inst, nil
	}

	inst, err := p.launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	metrics.ObserveBrowserLaunch()
	inst.pagesServed++

	p.mu.Lock()
	p.checkedOut++
	p.mu.Unlock()
	return inst, nil
}

// Release returns an instance to the pool or retires it. An instance past its
// age or page budget, or belonging to an already-full pool, is closed rather
// than kept.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	now := p.clock.Now()

	p.mu.Lock()
	p.checkedOut--
	reason := ""
	switch {
	case p.closed:
		reason = retireShutdown
	case inst.ctx != nil && inst.ctx.Err() != nil:
		reason = retireDisconnected
	case len(p.idle) >= p.cfg.TargetSize:
		reason = retirePoolFull
	case inst.Age(now) > p.cfg.MaxInstanceAge:
		reason = retireAged
	case inst.pagesServed > p.cfg.MaxPagesPerInstance:
		reason = retirePageCap
	}
	if reason == "" {
		p.idle = append(p.idle, inst)
	}
	metrics.SetPoolIdle(len(p.idle))
	p.mu.Unlock()

	if reason != "" {
		p.retire(inst, reason)
	}
}

// Status returns the observability snapshot. Purely a read.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		PoolSize:       len(p.idle) + p.checkedOut,
		MaxPoolSize:    p.cfg.TargetSize,
		CheckedOut:     p.checkedOut,
		ActiveContexts: p.activeContexts.Load(),
	}
}

// Shutdown closes every idle instance in parallel and clears the pool. It is
// idempotent; close errors are logged, never propagated to the caller's
// control flow beyond the returned aggregate.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range idle {
		eg.Go(func() error {
			p.retire(inst, retireShutdown)
			return nil
		})
	}
	err := eg.Wait()
	metrics.SetPoolIdle(0)
	return err
}

// retire closes an instance. Close failures are swallowed and logged; a
// failed close must never block the caller.
func (p *Pool) retire(inst *Instance, reason string) {
	metrics.ObserveBrowserRetirement(reason)
	p.logger.Debug("retiring browser instance",
		zap.String("reason", reason),
		zap.Int("pages_served", inst.pagesServed),
		zap.Duration("age", inst.Age(p.clock.Now())),
	)
	if inst.ctx != nil {
		if err := chromedp.Cancel(inst.ctx); err != nil {
			p.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	if inst.allocCancel != nil {
		inst.allocCancel()
	}
}

// launchChromedp starts a dedicated Chrome process with launch parameters
// tuned for low resource usage.
func (p *Pool) launchChromedp() (*Instance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("js-flags", "--max-old-space-size=256"),
	)
	if p.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser process: %w", err)
	}
	return &Instance{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		createdAt:   p.clock.Now(),
	}, nil
}

// probeChromedp verifies an idle instance is still responsive with a cheap
// script evaluation.
func (p *Pool) probeChromedp(inst *Instance) error {
	if inst.ctx == nil {
		return fmt.Errorf("instance has no context")
	}
	if err := inst.ctx.Err(); err != nil {
		return fmt.Errorf("browser context finished: %w", err)
	}
	probeCtx, cancel := context.WithTimeout(inst.ctx, p.cfg.ProbeTimeout)
	defer cancel()
	var one int
	if err := chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)); err != nil {
		return fmt.Errorf("probe evaluate: %w", err)
	}
	return nil
}
