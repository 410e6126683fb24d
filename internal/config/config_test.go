package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Minute, cfg.MaxRuntime())
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.Equal(t, time.Hour, cfg.Retention())
	assert.Equal(t, 2*time.Second, cfg.MinDelay())
	assert.Equal(t, 3, cfg.Browser.PoolSize)
	assert.Equal(t, 30*time.Minute, cfg.MaxInstanceAge())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "AA", cfg.Engine.WCAGLevel)
	assert.False(t, cfg.DB.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
scheduler:
  max_concurrent_jobs: 5
politeness:
  min_delay_ms: 500
storage:
  backend: local
  base_dir: /tmp/reports
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 500*time.Millisecond, cfg.MinDelay())
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrentJobs = 0 }},
		{"zero runtime", func(c *Config) { c.Scheduler.MaxRuntimeMinutes = 0 }},
		{"zero pool", func(c *Config) { c.Browser.PoolSize = 0 }},
		{"zero delay", func(c *Config) { c.Politeness.MinDelayMs = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local"; c.Storage.BaseDir = "" }},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs"; c.Storage.GCSBucket = "" }},
		{"db without dsn", func(c *Config) { c.DB.Enabled = true; c.DB.DSN = "" }},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.ProjectID = "" }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AUDITCRAWLER_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}
