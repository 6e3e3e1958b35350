// Package main provides the entry point for the metadata service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/metastore/internal/config"
	"github.com/devrev/metastore/internal/health"
	"github.com/devrev/metastore/internal/metrics"
	"github.com/devrev/metastore/internal/server"
	"github.com/devrev/metastore/internal/service"
	"github.com/devrev/metastore/internal/store"
	"github.com/devrev/metastore/internal/util/workerpool"
	"github.com/devrev/metastore/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type backend interface {
	store.Backend
	store.TenantRegistrar
}

func main() {
	configPath := flag.String("config", os.Getenv("METASTORE_CONFIG"), "path to config file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting metastore",
		zap.String("backend", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("cache_enabled", cfg.Cache.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	metadataStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize metadata store", zap.Error(err))
	}
	defer metadataStore.Close()

	for _, tenant := range cfg.Tenants {
		if err := metadataStore.RegisterTenant(ctx, tenant.Code, tenant.Description); err != nil {
			logger.Fatal("Failed to register tenant", zap.String("tenant", tenant.Code), zap.Error(err))
		}
	}

	tenantService := service.NewTenantService(metadataStore, m, logger)
	if err := tenantService.Startup(ctx); err != nil {
		logger.Fatal("Failed to start tenant service", zap.Error(err))
	}
	defer tenantService.Shutdown()

	cache, err := openCache(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	// a nil store.Cache must stay an untyped nil for the health checker
	var cachePinger health.Pinger
	if cache != nil {
		defer cache.Close()
		cachePinger = cache
	}

	pool := workerpool.New(workerpool.Config{
		Name:       "metadata",
		MaxWorkers: cfg.Async.Workers,
		QueueSize:  cfg.Async.QueueSize,
		Logger:     logger,
	})
	defer func() {
		if err := pool.Stop(cfg.Async.StopTimeout); err != nil {
			logger.Warn("Worker pool did not drain", zap.Error(err))
		}
	}()

	metadataService := service.NewMetadataService(metadataStore, tenantService, service.Options{
		Cache:    cache,
		CacheTTL: cfg.Cache.TTL,
		Limits: validation.Limits{
			MaxBatchSize:      cfg.Store.MaxBatchSize,
			MaxDefinitionSize: cfg.Store.MaxDefinitionSize,
			MaxAttrsPerTag:    cfg.Store.MaxAttrsPerTag,
		},
		Metrics:          m,
		OperationTimeout: cfg.Store.OperationTimeout,
	}, logger)
	asyncService := service.NewAsyncMetadataService(metadataService, pool, m, logger)

	healthChecker := health.NewHealthChecker(metadataStore, cachePinger, tenantService, logger)
	httpServer := server.NewServer(cfg, service.NewPooledMetadataService(asyncService), healthChecker, m, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
	}
	logger.Info("Metastore stopped")
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory metadata store; data is lost on restart")
		memStore, err := store.NewMemoryMetadataStore(logger)
		if err != nil {
			return nil, err
		}
		return memStore, nil
	case config.BackendPostgres:
		pg, err := store.NewPostgresMetadataStore(ctx, store.PostgresConfig{
			URL:             cfg.Database.URL,
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        cfg.Database.MaxConnections,
			MinConns:        cfg.Database.MinConnections,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Database.ApplySchema {
			if err := pg.ApplySchema(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openCache returns nil when caching is disabled.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		redisCache, err := store.NewRedisCache(ctx, store.RedisConfig{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return redisCache, nil
	default:
		return store.NewInMemoryCache(cfg.Cache.MaxSize, cfg.Cache.CleanupInterval, logger), nil
	}
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
