package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sensorscope/acquire"
	"sensorscope/cache"
	"sensorscope/config"
	"sensorscope/dashboard"
	"sensorscope/presence"
	"sensorscope/query"
	"sensorscope/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.json", "Path to configuration file")
	clearCache := flag.Bool("clear-cache", false, "Clear the query cache and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := setupLogger(cfg.Service.LogLevel)
	if err := run(cfg, *clearCache, logger); err != nil {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, clearCache bool, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level.Info(logger).Log("msg", "starting", "service", cfg.Service.Name)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize storage
	storageManager, err := storage.NewManager(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("error initializing storage: %w", err)
	}
	defer func() {
		if err := storageManager.Close(); err != nil {
			level.Warn(logger).Log("msg", "error closing storage", "err", err)
		}
	}()

	queryCache := cache.New(storageManager.CacheStore(), cache.Options{Logger: logger, Registerer: registry})

	if clearCache {
		report, err := queryCache.ClearAll()
		if err != nil {
			return fmt.Errorf("error clearing cache: %w", err)
		}
		level.Info(logger).Log("msg", "cache cleared", "before", report.Before, "after", report.After, "failed", report.Failed)
		return nil
	}

	queryEngine, err := newEngine(cfg, storageManager.RecordStore(), queryCache, registry, logger)
	if err != nil {
		return err
	}

	// Initialize dashboard
	dashboardManager, err := dashboard.NewManager(cfg.Dashboard, queryEngine, registry, logger)
	if err != nil {
		return fmt.Errorf("error initializing dashboard: %w", err)
	}
	if err := dashboardManager.Start(); err != nil {
		return fmt.Errorf("error starting dashboard: %w", err)
	}

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")
	return dashboardManager.Stop()
}

// newEngine wires the downloader and presence scanner into a report engine
func newEngine(cfg *config.Config, records storage.RecordStore, queryCache *cache.Cache, registry prometheus.Registerer, logger log.Logger) (*query.Engine, error) {
	downloader := acquire.New(records, queryCache, acquire.Options{Logger: logger, Registerer: registry})

	var scanCache *cache.Cache
	if cfg.Presence.CacheResults {
		scanCache = queryCache
	}
	scanner, err := presence.NewScanner(records, presence.Options{
		Convention:         cfg.Presence.CollectionConvention,
		Strategy:           presence.Strategy(cfg.Presence.Strategy),
		MaxProbesPerSecond: cfg.Presence.MaxProbesPerSecond,
		MaxBuckets:         cfg.Presence.MaxBuckets,
		Cache:              scanCache,
		Logger:             logger,
		Registerer:         registry,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing presence scanner: %w", err)
	}

	// Validated by config.LoadConfig
	bucket, _ := config.ParseDuration(cfg.Presence.DefaultBucket)

	engine, err := query.NewEngine(downloader, scanner, queryCache, query.Options{
		Reports:       cfg.Reports,
		Features:      cfg.Presence.Features,
		DefaultBucket: bucket,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing report engine: %w", err)
	}
	return engine, nil
}

func setupLogger(logLevel string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var option level.Option
	switch logLevel {
	case "debug":
		option = level.AllowDebug()
	case "warn":
		option = level.AllowWarn()
	case "error":
		option = level.AllowError()
	default:
		option = level.AllowInfo()
	}
	return level.NewFilter(logger, option)
}
