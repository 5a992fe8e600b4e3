package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"finflow/internal/amqp"
	"finflow/internal/cache"
	"finflow/internal/classifier"
	"finflow/internal/config"
	"finflow/internal/registry"
	"finflow/internal/report"
	"finflow/internal/storage"
	"finflow/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting finflow-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.CreatedQueue, cfg.CategorizedQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	provider := classifier.NewCachedProvider(
		classifier.NewHTTPProvider(cfg.AIEndpoint, cfg.AIModel, cfg.AISystemPrompt, cfg.ProviderTimeout),
		cfg.ClassifyCache,
		time.Hour,
	)

	resolver := registry.NewResolver(repo)
	categorizer := worker.NewCategorizer(repo, resolver, provider, amqpClient, cfg.CategorizedQueue, cfg.CategoryScope)

	reports := report.NewService(repo)
	reportConsumer := report.NewConsumer(reports, repo)
	scheduler := report.NewScheduler(reports, cfg.ReportCheckInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return amqpClient.Consume(ctx, cfg.CreatedQueue, cfg.WorkerConcurrency, categorizer.HandleCreated)
	})

	g.Go(func() error {
		return amqpClient.Consume(ctx, cfg.CategorizedQueue, 1, reportConsumer.HandleCategorized)
	})

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	maintainer := cache.NewMaintainer(time.Hour, provider)
	g.Go(func() error {
		return maintainer.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Worker shutdown complete")
}
