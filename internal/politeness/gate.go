// Package politeness enforces a minimum delay between successive requests to
// the same hostname, shared across all concurrent audit jobs.
package politeness

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/a11yops/auditcrawler/internal/metrics"
)

const defaultMinDelay = 2 * time.Second

// Gate spaces out visits per hostname. Every hostname gets its own burst-one
// limiter, so the check-and-stamp of the last-visit time is atomic: two
// goroutines asking for the same host at the same instant cannot both pass.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	minDelay time.Duration
}

// New creates a Gate with the given minimum inter-request delay per host.
func New(minDelay time.Duration) *Gate {
	if minDelay <= 0 {
		minDelay = defaultMinDelay
	}
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		minDelay: minDelay,
	}
}

// WaitTurn blocks until at least the minimum delay has elapsed since the last
// granted visit to the hostname of rawURL, or until the context is done. The
// first visit to a host passes immediately.
func (g *Gate) WaitTurn(ctx context.Context, rawURL string) error {
	host, err := HostOf(rawURL)
	if err != nil {
		return err
	}

	limiter := g.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(host, waited)
	}
	return nil
}

// MinDelay returns the configured per-host gap.
func (g *Gate) MinDelay() time.Duration {
	return g.minDelay
}

func (g *Gate) limiterFor(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.minDelay), 1)
		g.limiters[host] = limiter
	}
	return limiter
}

// HostOf extracts the lowercased hostname a URL is gated on.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no hostname", rawURL)
	}
	return host, nil
}
