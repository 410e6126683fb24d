// Package main wires together the accessibility audit crawl service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/a11yops/auditcrawler/internal/api"
	"github.com/a11yops/auditcrawler/internal/audit"
	"github.com/a11yops/auditcrawler/internal/browser"
	"github.com/a11yops/auditcrawler/internal/clock/system"
	"github.com/a11yops/auditcrawler/internal/config"
	"github.com/a11yops/auditcrawler/internal/discovery/collydiscovery"
	"github.com/a11yops/auditcrawler/internal/engine/axe"
	"github.com/a11yops/auditcrawler/internal/events"
	"github.com/a11yops/auditcrawler/internal/events/sinks"
	"github.com/a11yops/auditcrawler/internal/hash/sha256"
	"github.com/a11yops/auditcrawler/internal/id/uuid"
	"github.com/a11yops/auditcrawler/internal/logging"
	"github.com/a11yops/auditcrawler/internal/metrics"
	"github.com/a11yops/auditcrawler/internal/politeness"
	memorypublisher "github.com/a11yops/auditcrawler/internal/publisher/memory"
	pubsubpublisher "github.com/a11yops/auditcrawler/internal/publisher/pubsub"
	"github.com/a11yops/auditcrawler/internal/scheduler"
	"github.com/a11yops/auditcrawler/internal/storage/gcs"
	"github.com/a11yops/auditcrawler/internal/storage/local"
	memorystorage "github.com/a11yops/auditcrawler/internal/storage/memory"
	"github.com/a11yops/auditcrawler/internal/storage/postgres"
	"github.com/a11yops/auditcrawler/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	jobStore, closeJobStore, err := buildJobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("job store init failed", zap.Error(err))
	}
	defer closeJobStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	pool := browser.NewPool(browser.Config{
		TargetSize:          cfg.Browser.PoolSize,
		MaxInstanceAge:      cfg.MaxInstanceAge(),
		MaxPagesPerInstance: cfg.Browser.MaxPagesPerInstance,
		UserAgent:           cfg.Browser.UserAgent,
		ViewportWidth:       cfg.Browser.ViewportWidth,
		ViewportHeight:      cfg.Browser.ViewportHeight,
		BlockedResources:    cfg.Browser.BlockedResources,
	}, clock, logger.Named("browser"))

	engine, err := axe.New(axe.Config{
		ScriptPath:      cfg.Engine.ScriptPath,
		WCAGLevel:       cfg.Engine.WCAGLevel,
		NavigateTimeout: time.Duration(cfg.Engine.NavTimeoutSec) * time.Second,
		RunTimeout:      time.Duration(cfg.Engine.RunTimeoutSec) * time.Second,
	}, pool, clock, logger.Named("engine"))
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	gate := politeness.New(cfg.MinDelay())
	discoverer := collydiscovery.New(collydiscovery.Config{
		UserAgent: cfg.Browser.UserAgent,
	}, logger.Named("discovery"))

	hub := events.NewHub(events.Config{Logger: logger.Named("events")},
		sinks.NewLogSink(logger.Named("events")),
		sinks.NewPrometheusSink(),
	)

	runner := worker.New(worker.Config{
		DefaultMaxDepth:    cfg.Crawl.MaxDepthDefault,
		DefaultMaxPages:    cfg.Crawl.MaxPagesDefault,
		DefaultConcurrency: cfg.Crawl.PerJobConcurrency,
		MaxPagesCeiling:    cfg.Crawl.MaxPagesCeiling,
		ReportPathPrefix:   cfg.Crawl.ReportPathPrefix,
		CompletionTopic:    cfg.PubSub.Topic,
	}, engine, discoverer, gate, blobStore, publisher, hasher, clock, logger.Named("worker"))

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		MaxJobRuntime:     cfg.MaxRuntime(),
		SweepInterval:     cfg.SweepInterval(),
		Retention:         cfg.Retention(),
	}, runner, jobStore, clock, idGen, hub, logger.Named("scheduler"))

	go sched.Run(ctx)

	apiServer := api.NewServer(sched, pool, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Close()
	if err := pool.Shutdown(); err != nil {
		logger.Error("browser pool shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildJobStore(ctx context.Context, cfg config.Config) (audit.JobStore, func(), error) {
	if !cfg.DB.Enabled {
		return memorystorage.NewJobStore(), func() {}, nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (audit.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (audit.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}
