// Package main provides the entry point for the threatlens server.
// It collects threat feeds into a canonical indicator store and serves
// geo-enriched threat maps and correlation graphs.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/api"
	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/config"
	"github.com/lvonguyen/threatlens/internal/correlation"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/events"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/scheduler"
	"github.com/lvonguyen/threatlens/internal/splunk"
	"github.com/lvonguyen/threatlens/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("threatlens %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "threatlens: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "threatlens",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "threatlens: telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	if err := run(cfg, tel); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		_ = tel.Shutdown(context.Background())
		os.Exit(1)
	}
}

func run(cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting threatlens",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Strings("feeds", cfg.EnabledFeeds()),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	tel.StartSystemMetricsCollector(ctx)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var redisClient *redis.Client
	readyChecks := map[string]api.Check{}
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, continuing degraded", zap.Error(err))
		}
		readyChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nats, err := events.NewNATSPublisher(events.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			PublishTimeout: cfg.NATS.PublishTimeout,
			MaxReconnects:  cfg.NATS.MaxReconnects,
		}, logger, metrics)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", zap.Error(err))
		} else {
			publisher = nats
		}
	}
	if cfg.Splunk.Sender.Enabled {
		sender, err := splunk.NewHECSender(cfg.Splunk.Sender, nil, logger)
		if err != nil {
			logger.Warn("Splunk HEC sender disabled", zap.Error(err))
		} else {
			publisher = events.Multi{publisher, sender}
			readyChecks["splunk"] = sender.HealthCheck
		}
	}
	defer publisher.Close()

	collector := feeds.NewCollector(cfg.Feeds, feeds.NewSource(nil), st, publisher, logger, metrics,
		feeds.CollectorConfig{Concurrency: cfg.Collector.Concurrency})
	if cfg.Collector.WatchFiles {
		watcher := feeds.NewWatcher(cfg.Feeds, collector, cfg.Collector.WatchDebounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("Feed file watcher stopped", zap.Error(err))
			}
		}()
	}

	geo, err := newGeoService(cfg, redisClient, logger, metrics)
	if err != nil {
		return err
	}
	defer geo.Close()

	threatMap := enrichment.NewThreatMapBuilder(st, geo, collector.HealthyRatio, cfg.Geo, logger)
	graphs := correlation.NewBuilder(st, cfg.Correlation, nil, logger, metrics)

	var locker scheduler.Locker
	if redisClient != nil {
		locker = scheduler.NewRedisLocker(redisClient, logger)
	}
	sched := scheduler.New(cfg.Scheduler, locker, logger, metrics)
	jobs := []scheduler.Job{
		{Name: scheduler.JobFeedSync, Interval: cfg.Scheduler.FeedSyncInterval, Run: func(ctx context.Context) error {
			_, err := collector.SyncAll(ctx)
			return err
		}},
		{Name: scheduler.JobCorrelationRefresh, Interval: cfg.Scheduler.CorrelationRefreshInterval, Run: graphs.Refresh},
		{Name: scheduler.JobGeoCachePurge, Interval: cfg.Scheduler.GeoCachePurgeInterval, Run: func(context.Context) error {
			if n := geo.PurgeCache(time.Now()); n > 0 {
				logger.Debug("Purged geo cache", zap.Int("entries", n))
			}
			return nil
		}},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	var limiter *gateway.RateLimiter
	if redisClient != nil && cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger)
	}

	var hec http.Handler
	if cfg.Splunk.Receiver.Enabled {
		hec = splunk.NewHECReceiver(cfg.Splunk.Receiver, splunk.AlertHandler(st, publisher, logger)).Routes()
		logger.Info("Splunk HEC receiver mounted", zap.String("path", "/services/collector"))
	}

	srv := api.NewServer(api.Deps{
		Store:          st,
		Collector:      collector,
		Geo:            geo,
		ThreatMap:      threatMap,
		Correlation:    graphs,
		Scheduler:      sched,
		Publisher:      publisher,
		Limiter:        limiter,
		HEC:            hec,
		ReadyChecks:    readyChecks,
		MetricsHandler: tel.MetricsHandler(),
		Metrics:        metrics,
		Logger:         logger,
		Version:        Version,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	sched.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}

// openStore picks PostgreSQL when a database URL is configured, then a bbolt
// file, else the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	url := cfg.Database.URL()
	if url == "" && cfg.Database.BoltPath != "" {
		bolt, err := store.NewBoltStore(cfg.Database.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening indicator store: %w", err)
		}
		logger.Info("Using bbolt indicator store", zap.String("path", cfg.Database.BoltPath))
		return bolt, nil
	}
	if url == "" {
		logger.Info("Using in-memory indicator store", zap.Uint8("shard_pow", cfg.Database.MemoryShards))
		return store.NewMemoryStore(cfg.Database.MemoryShards), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pg, err := store.NewPostgresStore(connectCtx, store.PostgresConfig{
		URL:             url,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("opening indicator store: %w", err)
	}
	logger.Info("Using PostgreSQL indicator store")
	return pg, nil
}

// newGeoService builds the geo service with an LRU cache, tiered over Redis
// when Redis is configured.
func newGeoService(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger, metrics *observability.Metrics) (*enrichment.Service, error) {
	local, err := enrichment.NewMemoryCache(cfg.Geo.CacheSize, cfg.Geo.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("geo cache: %w", err)
	}
	var cache enrichment.Cache = local
	if redisClient != nil {
		cache = enrichment.NewTieredCache(local, enrichment.NewRedisCache(redisClient, cfg.Geo.CacheTTL, logger))
	}

	client := enrichment.NewIPAPIClient(cfg.Geo.BaseURL, &http.Client{Timeout: cfg.Geo.Timeout})
	fallback := enrichment.NewFallback(nil)
	return enrichment.NewService(cfg.Geo, client, cache, fallback, logger, metrics), nil
}
