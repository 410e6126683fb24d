package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/browser"
	"github.com/a11yops/auditcrawler/internal/clock/system"
	"github.com/a11yops/auditcrawler/internal/config"
	"github.com/a11yops/auditcrawler/internal/id/uuid"
	"github.com/a11yops/auditcrawler/internal/scheduler"
	"github.com/a11yops/auditcrawler/internal/storage/memory"
)

// blockingRunner holds every job open until its context is cancelled, so jobs
// submitted through the API stay observable as running.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, _ audit.Job) (audit.CrawlOutcome, error) {
	<-ctx.Done()
	return audit.CrawlOutcome{}, ctx.Err()
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}
	clk := system.New()
	sched := scheduler.New(
		scheduler.Config{MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs},
		blockingRunner{},
		memory.NewJobStore(),
		clk,
		uuid.New(),
		nil,
		zap.NewNop(),
	)
	t.Cleanup(sched.Close)
	pool := browser.NewPool(browser.Config{TargetSize: cfg.Browser.PoolSize}, clk, zap.NewNop())
	return NewServer(sched, pool, cfg, zap.NewNop())
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	return payload
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/readyz", "").Code)
}

func TestSubmitJobAccepted(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	payload := decode(t, rec)
	assert.NotEmpty(t, payload["job_id"])
	assert.Equal(t, "running", payload["status"])
}

func TestSubmitJobValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing url", `{}`},
		{"relative url", `{"url":"/path"}`},
		{"bad scheme", `{"url":"ftp://example.com/"}`},
		{"negative depth", `{"url":"https://example.com/","max_depth":-1}`},
		{"zero pages", `{"url":"https://example.com/","max_pages":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, s, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitJobCapsMaxPages(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) { c.Crawl.MaxPagesCeiling = 50 })

	rec := doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/","max_pages":9999}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	got := doRequest(t, s, http.MethodGet, "/v1/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, got.Code)
	var payload struct {
		Job audit.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(got.Body).Decode(&payload))
	assert.Equal(t, 50, payload.Job.Parameters.MaxPages)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := doRequest(t, s, http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsShowsRunningAndQueued(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) { c.Scheduler.MaxConcurrentJobs = 1 })

	require.Equal(t, http.StatusAccepted,
		doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://one.example.com/"}`).Code)
	require.Equal(t, http.StatusAccepted,
		doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://two.example.com/"}`).Code)

	rec := doRequest(t, s, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Running []audit.Job `json:"running"`
		Queued  []audit.Job `json:"queued"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	assert.Len(t, payload.Running, 1)
	assert.Len(t, payload.Queued, 1)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["job_id"].(string)

	cancelRec := doRequest(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusOK, cancelRec.Code)
	assert.Equal(t, "cancelled", decode(t, cancelRec)["status"])

	again := doRequest(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	rec := doRequest(t, s, http.MethodPost, "/v1/jobs/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) { c.Scheduler.MaxConcurrentJobs = 3 })

	require.Equal(t, http.StatusAccepted,
		doRequest(t, s, http.MethodPost, "/v1/jobs", `{"url":"https://example.com/"}`).Code)

	rec := doRequest(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, float64(1), payload["running"])
	assert.Equal(t, float64(3), payload["max_concurrent"])
	assert.Equal(t, true, payload["can_admit_more"])
}

func TestPoolEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) { c.Browser.PoolSize = 4 })

	rec := doRequest(t, s, http.MethodGet, "/v1/pool", "")
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, float64(4), payload["max_pool_size"])
	assert.Equal(t, float64(0), payload["active_contexts"])
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sekret"
	})

	assert.Equal(t, http.StatusOK, doRequest(t, s, http.MethodGet, "/healthz", "").Code,
		"health probes must not require credentials")

	rec := doRequest(t, s, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "sekret")
	ok := httptest.NewRecorder()
	s.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}
