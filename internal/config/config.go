// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs job admission and lifetime enforcement.
type SchedulerConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
	MaxRuntimeMinutes int `mapstructure:"max_runtime_minutes"`
	SweepIntervalSec  int `mapstructure:"sweep_interval_seconds"`
	RetentionMinutes  int `mapstructure:"retention_minutes"`
}

// BrowserConfig governs the headless browser pool.
type BrowserConfig struct {
	PoolSize            int      `mapstructure:"pool_size"`
	MaxInstanceAgeMin   int      `mapstructure:"max_instance_age_minutes"`
	MaxPagesPerInstance int      `mapstructure:"max_pages_per_instance"`
	UserAgent           string   `mapstructure:"user_agent"`
	ViewportWidth       int64    `mapstructure:"viewport_width"`
	ViewportHeight      int64    `mapstructure:"viewport_height"`
	BlockedResources    []string `mapstructure:"blocked_resources"`
}

// PolitenessConfig sets the per-host request spacing.
type PolitenessConfig struct {
	MinDelayMs int `mapstructure:"min_delay_ms"`
}

// CrawlConfig bounds individual crawl jobs.
type CrawlConfig struct {
	MaxDepthDefault   int    `mapstructure:"max_depth_default"`
	MaxPagesDefault   int    `mapstructure:"max_pages_default"`
	MaxPagesCeiling   int    `mapstructure:"max_pages_ceiling"`
	PerJobConcurrency int    `mapstructure:"per_job_concurrency"`
	ReportPathPrefix  string `mapstructure:"report_prefix"`
}

// EngineConfig configures the accessibility ruleset runner.
type EngineConfig struct {
	ScriptPath    string `mapstructure:"script_path"`
	WCAGLevel     string `mapstructure:"wcag_level"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	RunTimeoutSec int    `mapstructure:"run_timeout_seconds"`
}

// StorageConfig selects and configures the report blob store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.max_concurrent_jobs", 3)
	v.SetDefault("scheduler.max_runtime_minutes", 30)
	v.SetDefault("scheduler.sweep_interval_seconds", 30)
	v.SetDefault("scheduler.retention_minutes", 60)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.max_instance_age_minutes", 30)
	v.SetDefault("browser.max_pages_per_instance", 50)
	v.SetDefault("browser.user_agent", "a11y-audit-bot/0.1")
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.blocked_resources", []string{"Image", "Font", "Media"})
	v.SetDefault("politeness.min_delay_ms", 2000)
	v.SetDefault("crawl.max_depth_default", 2)
	v.SetDefault("crawl.max_pages_default", 25)
	v.SetDefault("crawl.max_pages_ceiling", 200)
	v.SetDefault("crawl.per_job_concurrency", 2)
	v.SetDefault("crawl.report_prefix", "reports")
	v.SetDefault("engine.script_path", "assets/axe.min.js")
	v.SetDefault("engine.wcag_level", "AA")
	v.SetDefault("engine.nav_timeout_seconds", 30)
	v.SetDefault("engine.run_timeout_seconds", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.table", "audit_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "audit-completions")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be > 0")
	}
	if c.Scheduler.MaxRuntimeMinutes <= 0 {
		return fmt.Errorf("scheduler.max_runtime_minutes must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Politeness.MinDelayMs <= 0 {
		return fmt.Errorf("politeness.min_delay_ms must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// MaxRuntime returns the scheduler runtime budget as a duration.
func (c Config) MaxRuntime() time.Duration {
	return time.Duration(c.Scheduler.MaxRuntimeMinutes) * time.Minute
}

// SweepInterval returns the sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Scheduler.SweepIntervalSec) * time.Second
}

// Retention returns how long finished jobs stay queryable.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Scheduler.RetentionMinutes) * time.Minute
}

// MinDelay returns the politeness gap as a duration.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Politeness.MinDelayMs) * time.Millisecond
}

// MaxInstanceAge returns the browser instance age budget as a duration.
func (c Config) MaxInstanceAge() time.Duration {
	return time.Duration(c.Browser.MaxInstanceAgeMin) * time.Minute
}
