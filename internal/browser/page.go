package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/metrics"
)

// NewPage opens an isolated tab context on the instance, applies viewport and
// user-agent settings, and installs resource-type interception so pages that
// are only being audited do not pay for images or fonts. The returned cancel
// func must be called when the page is done; it closes the tab, not the
// browser.
func (p *Pool) NewPage(inst *Instance) (context.Context, context.CancelFunc, error) {
	if inst == nil || inst.ctx == nil {
		return nil, nil, fmt.Errorf("new page: nil instance")
	}

	tabCtx, tabCancel := chromedp.NewContext(inst.ctx)

	blocked := make(map[network.ResourceType]bool, len(p.cfg.BlockedResources))
	for _, t := range p.cfg.BlockedResources {
		blocked[network.ResourceType(t)] = true
	}
	if len(blocked) > 0 {
		p.installInterception(tabCtx, blocked)
	}

	if err := chromedp.Run(tabCtx, p.pageSetupActions(len(blocked) > 0)...); err != nil {
		tabCancel()
		return nil, nil, fmt.Errorf("prepare page context: %w", err)
	}

	metrics.IncActiveContexts()
	p.activeContexts.Add(1)
	cancel := func() {
		p.activeContexts.Add(-1)
		metrics.DecActiveContexts()
		tabCancel()
	}
	return tabCtx, cancel, nil
}

func (p *Pool) pageSetupActions(intercept bool) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(p.cfg.ViewportWidth, p.cfg.ViewportHeight, 1.0, false),
	}
	if p.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(p.cfg.UserAgent))
	}
	if intercept {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*"},
		}))
	}
	return actions
}

// installInterception fails paused requests whose resource type is on the
// block list and lets everything else through. Handlers run on their own
// goroutine because the target listener must not block.
func (p *Pool) installInterception(tabCtx context.Context, blocked map[network.ResourceType]bool) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil {
				return
			}
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			var err error
			if blocked[e.ResourceType] {
				err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			} else {
				err = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}
			if err != nil && tabCtx.Err() == nil {
				p.logger.Debug("request interception action failed", zap.Error(err))
			}
		}()
	})
}
