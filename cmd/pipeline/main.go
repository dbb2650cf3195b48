// Package main wires together the prospect pipeline service binary.
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

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/IntelagentStudios/prospect-pipeline/internal/admission"
	"github.com/IntelagentStudios/prospect-pipeline/internal/api"
	"github.com/IntelagentStudios/prospect-pipeline/internal/cache"
	"github.com/IntelagentStudios/prospect-pipeline/internal/clock/system"
	"github.com/IntelagentStudios/prospect-pipeline/internal/config"
	"github.com/IntelagentStudios/prospect-pipeline/internal/crawler"
	"github.com/IntelagentStudios/prospect-pipeline/internal/enrich"
	collyfetcher "github.com/IntelagentStudios/prospect-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/IntelagentStudios/prospect-pipeline/internal/fetcher/headless"
	"github.com/IntelagentStudios/prospect-pipeline/internal/handlers"
	"github.com/IntelagentStudios/prospect-pipeline/internal/hash/sha256"
	"github.com/IntelagentStudios/prospect-pipeline/internal/id/uuid"
	"github.com/IntelagentStudios/prospect-pipeline/internal/logging"
	"github.com/IntelagentStudios/prospect-pipeline/internal/metrics"
	"github.com/IntelagentStudios/prospect-pipeline/internal/pipeline"
	"github.com/IntelagentStudios/prospect-pipeline/internal/proxy"
	memorypublisher "github.com/IntelagentStudios/prospect-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/IntelagentStudios/prospect-pipeline/internal/publisher/pubsub"
	"github.com/IntelagentStudios/prospect-pipeline/internal/scheduler"
	"github.com/IntelagentStudios/prospect-pipeline/internal/storage/gcs"
	"github.com/IntelagentStudios/prospect-pipeline/internal/storage/local"
	memorystorage "github.com/IntelagentStudios/prospect-pipeline/internal/storage/memory"
	"github.com/IntelagentStudios/prospect-pipeline/internal/storage/postgres"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	// Two-tier crawl cache: in-process map in front of an optional Redis tier.
	var durable cache.Tier
	if cfg.Cache.RedisAddr != "" {
		redisTier := cache.NewRedisTier(cfg.Cache.RedisAddr, cfg.Cache.KeyPrefix)
		if err := redisTier.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, running with the fast tier only", zap.Error(err))
		} else {
			durable = redisTier
			defer func() {
				if err := redisTier.Close(); err != nil {
					logger.Warn("close redis tier failed", zap.Error(err))
				}
			}()
		}
	}
	crawlCache := cache.New(durable, clock, logger)

	// Job store: Postgres when a DSN is configured, in-memory otherwise.
	var jobStore pipeline.JobStore
	if cfg.DB.DSN != "" {
		store, pool, err := postgres.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns, logger)
		if err != nil {
			return fmt.Errorf("connect job store: %w", err)
		}
		defer pool.Close()
		jobStore = store
		logger.Info("using postgres job store")
	} else {
		jobStore = memorystorage.NewJobStore()
		logger.Info("using in-memory job store")
	}

	snapshots, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	admitter := admission.New(admission.Config{
		MaxConcurrent: cfg.Admission.MaxConcurrent,
		GlobalRPS:     cfg.Admission.MaxRequestsPerSecond,
		Burst:         cfg.Admission.Burst,
		PerDomainRPS:  cfg.Admission.PerDomainRPS,
	}, clock, logger)

	rotator := proxy.New(proxy.Config{
		Enabled:            cfg.Proxy.Enabled,
		Endpoints:          cfg.Proxy.Endpoints,
		MaxFailures:        cfg.Proxy.MaxFailures,
		HealthCheckURL:     cfg.Proxy.HealthCheckURL,
		HealthCheckTimeout: time.Duration(cfg.Proxy.HealthCheckTimeout) * time.Second,
	}, clock, logger)
	if err := rotator.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize proxy pool: %w", err)
	}

	fetcher, err := buildFetcher(cfg, logger)
	if err != nil {
		return err
	}

	crawl := crawler.New(crawler.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		PageTimeout:       time.Duration(cfg.Crawler.PageTimeoutSeconds) * time.Second,
		RobotsTimeout:     time.Duration(cfg.Crawler.RobotsTimeoutSeconds) * time.Second,
		InterRequestDelay: time.Duration(cfg.Crawler.InterRequestDelayMs) * time.Millisecond,
		CacheTTL:          cfg.CacheTTL(),
		SnapshotPrefix:    cfg.Storage.Prefix,
		SnapshotPages:     cfg.Crawler.SnapshotPages,
	}, fetcher, crawlCache, admitter, rotator, snapshots, hasher, clock, logger)

	sched := scheduler.New(scheduler.Config{
		PollInterval:       cfg.PollInterval(),
		DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		CompletionTopic:    cfg.PubSub.TopicName,
	}, jobStore, publisher, clock, idGen, logger)

	sched.Register(pipeline.JobTypeCrawlDomain, handlers.CrawlDomain(crawl, handlers.CrawlDefaults{
		MaxPages:      cfg.Crawler.MaxPagesDefault,
		RespectRobots: cfg.Crawler.RespectRobots,
		UseCache:      true,
		UserAgent:     cfg.Crawler.UserAgent,
	}, logger))
	sched.Register(pipeline.JobTypeEnrichLead, handlers.EnrichLead(enrich.NewLocal()))
	sched.Register(pipeline.JobTypePurgeJobs, handlers.PurgeJobs(jobStore, cfg.RetentionWindow(), clock, logger))

	server := api.NewServer(sched, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	sched.Stop()
	<-schedDone
	admitter.Drain()
	if err := crawlCache.Flush(context.Background()); err != nil {
		logger.Warn("cache flush failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.SnapshotStore, error) {
	switch {
	case cfg.Storage.GCSBucket != "":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store: %w", err)
		}
		logger.Info("using GCS snapshot store", zap.String("bucket", cfg.Storage.GCSBucket))
		return store, nil
	case cfg.Storage.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store: %w", err)
		}
		logger.Info("using local snapshot store", zap.String("dir", cfg.Storage.LocalDir))
		return store, nil
	default:
		logger.Info("using in-memory snapshot store")
		return memorystorage.NewSnapshotStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	logger.Info("using pubsub publisher",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return pub, nil
}

func buildFetcher(cfg config.Config, logger *zap.Logger) (pipeline.Fetcher, error) {
	if cfg.Crawler.HeadlessEnabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Crawler.HeadlessMaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Crawler.HeadlessNavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher: %w", err)
		}
		logger.Info("using headless fetcher")
		return fetcher, nil
	}
	logger.Info("using colly fetcher")
	return collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(cfg.Crawler.PageTimeoutSeconds) * time.Second,
	}), nil
}
