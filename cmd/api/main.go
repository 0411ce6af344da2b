package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-archive/chronicle-backend/internal/api/rest"
	"github.com/chronicle-archive/chronicle-backend/internal/archive"
	"github.com/chronicle-archive/chronicle-backend/internal/archive/commoncrawl"
	"github.com/chronicle-archive/chronicle-backend/internal/archive/secondary"
	"github.com/chronicle-archive/chronicle-backend/internal/archive/wayback"
	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/breaker"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/cache"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/config"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/database"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/fetchcache"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/proxy"
	"github.com/chronicle-archive/chronicle-backend/internal/infrastructure/telemetry"
	"github.com/chronicle-archive/chronicle-backend/internal/metrics"
	"github.com/chronicle-archive/chronicle-backend/internal/service/extraction"
	"github.com/chronicle-archive/chronicle-backend/internal/service/queryrouting"
	syncsvc "github.com/chronicle-archive/chronicle-backend/internal/service/sync"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Initialize(ctx, &telemetry.Config{
		ServiceName:    "chronicle-api",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	registry, err := metrics.NewRegistry("chronicle-backend")
	if err != nil {
		logger.Fatal("failed to create metrics registry", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	archiveRouter := buildArchiveRouter(cfg, registry, logger)

	dlq := extraction.NewDeadLetterQueue(1000, logger)
	fetchCache := fetchcache.New(fetchcache.Config{
		MaxEntries: cfg.FetchCache.MaxEntries,
		TTL:        cfg.FetchCache.TTL,
	}, logger)
	cascade := extraction.NewCascade(extraction.Config{
		MinTextLength:           cfg.Extractor.MinTextLength,
		ExtractorVersion:        cfg.Extractor.Version,
		ReachthroughPerMinute:   cfg.Extractor.Reachthrough.RequestsPerMinute,
		ReachthroughMinInterval: cfg.Extractor.Reachthrough.MinInterval,
	},
		extraction.NewHTTPFetcher(30*time.Second),
		fetchCache,
		dlq, registry, logger)
	defer cascade.Close()

	var l2 cache.Cache
	if cfg.Redis.URL != "" {
		l2, err = cache.NewRedisCache(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer l2.Close()
	} else {
		logger.Warn("redis not configured, query cache is in-process only")
	}

	queryRouter, monitor := buildQueryStack(gctx, g, cfg, l2, registry, logger)
	if monitor != nil {
		defer monitor.Stop()
	}

	server := rest.NewServer(rest.Deps{
		Archive: archiveRouter,
		Query:   queryRouter,
		Cascade: cascade,
		DLQ:     dlq,
	}, logger)
	server.Instrument = instrumentHTTPHandler

	g.Go(func() error {
		return server.Start(gctx, cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.Server.MetricsAddr, logger)
	})
	g.Go(func() error {
		sampleFetchCache(gctx, fetchCache, registry, 30*time.Second)
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildArchiveRouter wires the five provider strategies in the order
// the router's preference tables expect. Strategies with no configured
// backing are left out.
func buildArchiveRouter(cfg *config.Config, registry *metrics.Registry, logger *zap.Logger) *archive.Router {
	var strategies []archive.QueryStrategy

	strategies = append(strategies, wayback.NewClient(wayback.Config{
		Endpoint:          cfg.Archive.CDXEndpoint,
		RequestsPerMinute: cfg.Archive.RateLimits.CDXPerMinute,
	}, logger))

	ccCfg := commoncrawl.Config{
		Endpoint:          cfg.Archive.ColumnarEndpoint,
		CrawlID:           cfg.Archive.CrawlID,
		RequestsPerMinute: cfg.Archive.RateLimits.ColumnarPerMinute,
	}
	strategies = append(strategies, commoncrawl.NewClient(ccCfg, logger))

	if len(cfg.Proxy.Endpoints) > 0 {
		pool, err := proxy.NewPool(proxy.Config{
			Endpoints:      cfg.Proxy.Endpoints,
			Username:       cfg.Proxy.Username,
			Password:       cfg.Proxy.Password,
			RotationPolicy: proxy.RotationPolicy(cfg.Proxy.RotationPolicy),
		}, logger)
		if err != nil {
			logger.Fatal("failed to build proxy pool", zap.Error(err))
		}
		strategies = append(strategies, commoncrawl.NewProxiedClient(ccCfg, pool, logger))
	} else {
		logger.Warn("no proxy endpoints configured, proxied strategy disabled")
	}

	strategies = append(strategies, commoncrawl.NewDirectIndexClient(commoncrawl.DirectIndexConfig{
		BaseURL:           cfg.Archive.DirectIndexBaseURL,
		ManifestPath:      cfg.Archive.DirectIndexManifest,
		CrawlID:           cfg.Archive.CrawlID,
		RequestsPerMinute: cfg.Archive.RateLimits.DirectIndexPerMinute,
	}, logger))

	if cfg.Archive.SecondaryEndpoint != "" {
		strategies = append(strategies, secondary.NewClient(secondary.Config{
			Endpoint: cfg.Archive.SecondaryEndpoint,
		}, logger))
	}

	timeouts := make(map[archive.ProviderKind]time.Duration, len(cfg.Archive.StrategyTimeouts))
	for kind, d := range cfg.Archive.StrategyTimeouts {
		timeouts[archive.ProviderKind(kind)] = d
	}

	return archive.NewRouter(archive.Config{
		FallbackEnabled:     cfg.Archive.FallbackEnabled,
		FallbackDelay:       cfg.Archive.FallbackDelay,
		MaxFallbackAttempts: cfg.Archive.MaxFallbackAttempts,
		StrategyTimeouts:    timeouts,
	}, strategies, breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		RecoveryTimeout:    cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxProbes:  cfg.Breaker.HalfOpenMaxProbes,
		MaxRecoveryTimeout: cfg.Breaker.MaxRecoveryTimeout,
	}, capture.NewPipeline(capture.DefaultFilterConfig()), registry, logger)
}

// buildQueryStack connects both engines and starts the sync consumer.
// Without configured database URLs the API runs in archive-only mode
// and the query endpoint is unavailable.
func buildQueryStack(ctx context.Context, g *errgroup.Group, cfg *config.Config, l2 cache.Cache, registry *metrics.Registry, logger *zap.Logger) (*queryrouting.Router, *database.Monitor) {
	if cfg.OLTP.URL == "" {
		logger.Warn("oltp database not configured, query routing disabled")
		return nil, nil
	}

	oltp, err := database.NewOLTPPool(ctx, &cfg.OLTP, cfg.Router.Pools.OLTP, logger)
	if err != nil {
		logger.Fatal("failed to connect to oltp database", zap.Error(err))
	}
	olap, err := database.NewOLAPPool(ctx, &cfg.OLAP, logger)
	if err != nil {
		logger.Fatal("failed to connect to olap database", zap.Error(err))
	}

	monitor := database.NewMonitor(oltp, cfg.Router.Pools.OLTP.HealthCheckInterval, logger)
	monitor.Start(ctx)
	g.Go(func() error {
		collectPoolMetrics(ctx, oltp, cfg.Router.Pools.OLTP.HealthCheckInterval)
		return nil
	})

	classifier := queryrouting.NewClassifier(queryrouting.ClassifierConfig{
		OLTPTables:       queryrouting.DefaultClassifierConfig().OLTPTables,
		OLAPTables:       queryrouting.DefaultClassifierConfig().OLAPTables,
		OLAPRowThreshold: cfg.Router.OLAPRowThreshold,
	}, monitor)

	router := queryrouting.NewRouter(cfg.Router, classifier,
		queryrouting.NewOLTPExecutor(oltp),
		queryrouting.NewOLAPExecutor(olap),
		l2, registry, logger)

	consumer := syncsvc.NewConsumer(cfg.Sync,
		syncsvc.NewPGSource(oltp),
		syncsvc.NewPGOffsetStore(oltp, "olap-sync"),
		syncsvc.NewOLAPApplier(olap, logger),
		registry, logger)
	g.Go(func() error {
		err := consumer.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		oltp.Close()
		return olap.Close()
	})

	return router, monitor
}

// sampleFetchCache feeds the fetch cache hit ratio gauge on an interval.
func sampleFetchCache(ctx context.Context, fc *fetchcache.Cache, registry *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := fc.Stats()
			registry.RecordFetchCache(stats.Hits, stats.Misses)
		}
	}
}

// serveMetrics exposes the Prometheus endpoint on its own listener.
func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
