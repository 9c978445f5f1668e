package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/layer-forge/internal/archive"
	"github.com/yourusername/layer-forge/internal/config"
	"github.com/yourusername/layer-forge/internal/encoder"
	"github.com/yourusername/layer-forge/internal/export"
	"github.com/yourusername/layer-forge/internal/fetch"
	"github.com/yourusername/layer-forge/internal/jobs"
	"github.com/yourusername/layer-forge/internal/storage"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.GinMode == "release" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func setupJobs(cfg *config.Config, logger *slog.Logger) (*jobs.Manager, error) {
	store, err := storage.NewLocal(cfg.DataDir, cfg.MaxUploadSize)
	if err != nil {
		return nil, err
	}

	enc, err := encoder.New(encoder.Options{
		Start:    cfg.QualityStart,
		Step:     cfg.QualityStep,
		Floor:    cfg.QualityFloor,
		MaxBytes: cfg.MaxImageBytes,
	})
	if err != nil {
		return nil, err
	}
	exporter := export.NewExporter(enc, logger)
	batch := export.NewBatch(exporter, nil, cfg.DocumentWorkers, logger)

	fetcher := fetch.New(cfg.MaxDownloadSize,
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithLogger(logger),
	)

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 10
	}
	ttl := time.Duration(ttlMinutes) * time.Minute

	registry, err := setupRegistry(cfg, ttl, logger)
	if err != nil {
		return nil, err
	}
	dispatcher, err := setupDispatcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	return jobs.NewManager(registry, dispatcher, store, fetcher, batch, jobs.Options{
		JobTimeout:       cfg.JobTimeout,
		CleanupWorkspace: cfg.CleanupWorkspace,
		ResultBaseURL:    cfg.JobResultBaseURL,
		ExtractLimits: archive.Limits{
			MaxEntryBytes: cfg.MaxExtractSize,
			MaxTotalBytes: cfg.MaxExtractSize,
		},
	}, logger)
}

func setupRegistry(cfg *config.Config, ttl time.Duration, logger *slog.Logger) (jobs.Registry, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Info("using in-memory job registry")
		return jobs.NewMemoryRegistry(ttl), nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	logger.Info("using redis job registry", "addr", opt.Addr)
	return jobs.NewRedisRegistry(redis.NewClient(opt), ttl), nil
}

func setupDispatcher(cfg *config.Config, logger *slog.Logger) (jobs.Dispatcher, error) {
	if strings.TrimSpace(cfg.QueueRedisURL) == "" {
		return jobs.NewLocalPool(
			jobs.WithWorkers(cfg.Workers),
			jobs.WithQueueSize(cfg.QueueSize),
			jobs.WithPoolLogger(logger),
		), nil
	}
	logger.Info("using asynq dispatcher")
	return jobs.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.Workers, cfg.QueueSize, cfg.JobTimeout, logger)
}
