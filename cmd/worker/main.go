package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"facemoji/internal/artifact"
	"facemoji/internal/broker"
	"facemoji/internal/cache"
	"facemoji/internal/config"
	"facemoji/internal/events"
	"facemoji/internal/logger"
	"facemoji/internal/store"
	"facemoji/internal/telemetry"
	"facemoji/internal/vision"
	workerproc "facemoji/internal/worker"
)

func main() {
	cfg, err := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})
	if err != nil {
		log.Error("load config", logger.Err(err))
		os.Exit(1)
	}
	slog.SetDefault(log)

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped", logger.Err(err))
		os.Exit(1)
	}
}

// defaultWorkerID is the hostname with a random suffix, so replicas sharing
// a hostname still fence each other.
func defaultWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = fmt.Sprintf("worker-%d", os.Getpid())
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	b, err := broker.Open(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer b.Close()

	artifacts, err := artifact.Open(ctx, cfg)
	if err != nil {
		return err
	}

	source := vision.NewHTTPLandmarkSource(cfg.VisionURL, &http.Client{})
	detector := vision.NewLandmarkOverlay(source, vision.NewSprites(cfg.EmojiAssetDir), cfg.JPEGQuality)

	notifier := events.NewNotifier(rdb, log)
	materializer := workerproc.NewMaterializer(st, artifacts, cache.NewStatusCache(rdb, cfg.StatusCacheTTL), notifier, log)
	processor := workerproc.NewProcessor(cfg, b, st, artifacts, detector, materializer, notifier, log)
	reconciler := workerproc.NewReconciler(st, b, cfg.ReconcileInterval, cfg.StalePendingAfter, log)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", logger.Err(err))
		}
	}()

	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciler stopped", logger.Err(err))
		}
	}()

	log.Info("worker started",
		slog.String("worker_id", cfg.WorkerID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("lease", cfg.LeaseDuration),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
	)
	err = processor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
