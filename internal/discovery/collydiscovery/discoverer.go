// Package collydiscovery extracts same-host links from pages with a plain
// HTTP fetch. Link discovery does not need a browser; anchors in the static
// HTML are enough to drive the crawl frontier, and a Colly collector is far
// cheaper than a tab context.
package collydiscovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxLinksPerPage caps how many links one page may contribute.
	MaxLinksPerPage int
}

const (
	defaultTimeout         = 15 * time.Second
	defaultMaxLinksPerPage = 200
)

// Discoverer implements audit.LinkDiscoverer using a Colly collector.
type Discoverer struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxLinksPerPage <= 0 {
		cfg.MaxLinksPerPage = defaultMaxLinksPerPage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Discoverer{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Discover fetches pageURL and returns the absolute same-host links found in
// its anchors. Fragments are stripped and duplicates removed; links to other
// hosts are out of crawl scope and dropped.
func (d *Discoverer) Discover(ctx context.Context, pageURL string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	host := strings.ToLower(base.Hostname())

	collector := d.baseCollector.Clone()
	collector.IgnoreRobotsTxt = false
	collector.SetRequestTimeout(d.cfg.Timeout)
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}

	seen := make(map[string]struct{})
	var links []string
	var fetchErr error

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if len(links) >= d.cfg.MaxLinksPerPage {
			return
		}
		link, ok := normalizeLink(base, host, e.Attr("href"))
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("discover links on %s: %w", pageURL, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("discover links on %s: %w", pageURL, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("discover links on %s: %w", pageURL, fetchErr)
		}
	}

	d.logger.Debug("links discovered", zap.String("url", pageURL), zap.Int("count", len(links)))
	return links, nil
}

// normalizeLink resolves href against the page URL and keeps it only when it
// is a crawlable same-host http(s) link.
func normalizeLink(base *url.URL, host, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(resolved.Hostname(), host) {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
