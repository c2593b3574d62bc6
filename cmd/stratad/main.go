package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/strata-analytics/strata/internal/aggregator"
	"github.com/strata-analytics/strata/internal/buffer"
	corecfg "github.com/strata-analytics/strata/internal/core/config"
	"github.com/strata-analytics/strata/internal/core/storage/postgres"
	"github.com/strata-analytics/strata/internal/core/storage/rediscache"
	"github.com/strata-analytics/strata/internal/engine"
	"github.com/strata-analytics/strata/internal/hooks"
	"github.com/strata-analytics/strata/internal/lifecycle"
	"github.com/strata-analytics/strata/internal/migrations"
	"github.com/strata-analytics/strata/internal/query"
	"github.com/strata-analytics/strata/internal/queue"
	"github.com/strata-analytics/strata/internal/server"
	"github.com/strata-analytics/strata/internal/stats"
)

func main() {
	configPath := flag.String("config", "strata.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Storage: one PostgreSQL pool shared by every SQL store.
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	if err := migrations.Apply(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	eventStore := postgres.NewEventAdapter(dbAdapter)
	metricStore := postgres.NewMetricAdapter(dbAdapter)
	catalogStore := postgres.NewCatalogAdapter(dbAdapter)
	cacheStore := postgres.NewCacheAdapter(dbAdapter)

	// Redis backs the queue, the realtime buffer, the KV catalog cache and
	// the stats publisher.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	registry := prometheus.NewRegistry()

	hookRegistry := hooks.NewRegistry()
	jobQueue := queue.New(redisClient, "events", cfg.Aggregator.MaxAttempts)
	rtBuffer := buffer.New(redisClient, cfg.Buffer.TTLDuration())
	kv := rediscache.New(redisClient, "catalog", rediscache.DefaultTTL)

	worker := aggregator.New(
		jobQueue,
		eventStore,
		metricStore,
		catalogStore,
		rtBuffer,
		hookRegistry,
		aggregator.Config{
			PollInterval: cfg.Aggregator.PollIntervalDuration(),
			BatchSize:    cfg.Aggregator.BatchSize,
			Concurrency:  cfg.Aggregator.Concurrency,
			WriteRetries: cfg.Aggregator.WriteRetries,
		},
		registry,
	)

	resultCache := query.NewCache(cacheStore, query.Mode(cfg.Query.CacheMode), cfg.Query.CacheTTLDuration())
	queryEngine := query.New(metricStore, catalogStore, rtBuffer, resultCache, hookRegistry, query.Config{
		Concurrency:  cfg.Query.Concurrency,
		BufferWindow: cfg.Buffer.WindowDuration(),
	})

	scanner := lifecycle.New(metricStore, eventStore, catalogStore, lifecycle.Config{
		Interval: cfg.Lifecycle.IntervalDuration(),
	}, registry)

	sampler := stats.New(redisClient, jobQueue, rtBuffer, dbAdapter, stats.Config{
		Interval:        cfg.Stats.IntervalDuration(),
		HeartbeatWindow: cfg.Stats.HeartbeatWindowDuration(),
	}, registry)

	app := engine.New(engine.Deps{
		Catalog:   catalogStore,
		Events:    eventStore,
		Metrics:   metricStore,
		Queue:     jobQueue,
		Buffer:    rtBuffer,
		KV:        kv,
		Hooks:     hookRegistry,
		Query:     queryEngine,
		Worker:    worker,
		Lifecycle: scanner,
		Redis:     redisClient,
	}, engine.Config{BufferWindow: cfg.Buffer.WindowDuration()}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bootstrap.Dir != "" {
		if err := app.Bootstrap(ctx, cfg.Bootstrap.Dir); err != nil {
			slog.Error("Failed to apply bootstrap catalog", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		if err := worker.Start(ctx); err != nil {
			slog.Error("Aggregator stopped with error", "error", err)
		}
	}()
	go func() {
		if err := scanner.Start(ctx); err != nil {
			slog.Error("Lifecycle scanner stopped with error", "error", err)
		}
	}()
	go func() {
		if err := sampler.Start(ctx); err != nil {
			slog.Error("Stats sampler stopped with error", "error", err)
		}
	}()

	srv := server.New(
		fmtAddr(cfg.Server.Host, cfg.Server.Port),
		app,
		dbAdapter.DB(),
		cfg.Server.Mode,
		int64(cfg.Server.MaxBodySizeMB)*1024*1024,
		registry,
	)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
