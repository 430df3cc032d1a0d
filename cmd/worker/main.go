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

	"storyforge/internal/archive"
	"storyforge/internal/config"
	"storyforge/internal/generator"
	"storyforge/internal/queue"
	"storyforge/internal/store"
	"storyforge/internal/telemetry"
	"storyforge/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := store.Migrate(cfg.PostgresDSN); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, queue.Options{
		MaxAttempts:       cfg.MaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	})

	archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		logger.Error("init archiver", "error", err)
		os.Exit(1)
	}
	var arch worker.Archiver
	if archiver != nil {
		arch = archiver
		logger.Info("archiving purged jobs", "bucket", cfg.ArchiveS3Bucket)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	processor := worker.New(cfg, q, st, generator.Generate, arch, logger)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
