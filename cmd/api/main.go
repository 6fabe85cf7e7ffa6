package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"facemoji/internal/api"
	"facemoji/internal/artifact"
	"facemoji/internal/broker"
	"facemoji/internal/cache"
	"facemoji/internal/config"
	"facemoji/internal/events"
	"facemoji/internal/gateway"
	"facemoji/internal/logger"
	"facemoji/internal/ratelimit"
	"facemoji/internal/store"
	"facemoji/internal/vision"
)

func main() {
	cfg, err := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})
	if err != nil {
		log.Error("load config", logger.Err(err))
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api stopped", logger.Err(err))
		os.Exit(1)
	}
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

	gw := gateway.New(cfg, st, b, artifacts, cache.NewStatusCache(rdb, cfg.StatusCacheTTL), log).
		WithLandmarks(vision.NewHTTPLandmarkSource(cfg.VisionURL, &http.Client{}))
	limiter := ratelimit.NewTokenBucket(rdb, "rl:submit", cfg.RateLimitCapacity, cfg.RateLimitRefill)
	server := api.New(cfg, gw, limiter, events.NewNotifier(rdb, log), log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening",
			slog.String("addr", httpServer.Addr),
			slog.String("broker", cfg.BrokerDriver),
			slog.String("artifacts", cfg.ArtifactDriver),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
