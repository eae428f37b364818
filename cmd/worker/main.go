// Command worker runs the execution plane: it syncs its capabilities into
// the registries, consumes dispatch messages from every job-kind topic and
// drives the per-kind executors.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/riskline/defector/internal/adapter/gitapi"
	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/adapter/queue/redpanda"
	"github.com/riskline/defector/internal/adapter/repo/postgres"
	"github.com/riskline/defector/internal/adapter/storage/blob"
	taskredis "github.com/riskline/defector/internal/adapter/tasks/redis"
	"github.com/riskline/defector/internal/config"
	"github.com/riskline/defector/internal/handler"
	"github.com/riskline/defector/internal/registrysync"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	log := observability.SetupLogger(cfg).With(slog.String("worker_id", workerID))
	slog.SetDefault(log)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db pool: %w", err)
	}
	defer pool.Close()

	redisClient := taskredis.NewClient(cfg.RedisAddr, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()
	tasks := taskredis.New(redisClient, cfg.TaskStatusTTL)

	artifacts, err := blob.Open(ctx, cfg.ArtifactBucketURL)
	if err != nil {
		return fmt.Errorf("artifact bucket: %w", err)
	}
	defer func() { _ = artifacts.Close() }()

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "defector-worker-"+workerID)
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	// Advertise this worker's implemented capabilities before taking work.
	capabilities := postgres.NewCapabilityRepo(pool)
	if err := registrysync.Sync(ctx, capabilities, workerID); err != nil {
		return fmt.Errorf("registry sync: %w", err)
	}
	log.Info("capability registries synced")

	runner := handler.NewRunner(handler.Deps{
		Jobs:         postgres.NewJobRepo(pool),
		Models:       postgres.NewModelRepo(pool),
		Datasets:     postgres.NewDatasetRepo(pool),
		Repositories: postgres.NewRepositoryRepo(pool),
		Artifacts:    artifacts,
		Tasks:        tasks,
		Queue:        producer,
		Commits:      gitapi.New(cfg.GitAPIToken, cfg.GitAPITimeout),
		BatchSize:    cfg.DatasetBatchSize,
	})

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup,
		"defector-consumer-"+workerID, runner, cfg.ConsumerMinWorkers, cfg.ConsumerMaxWorkers)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("worker consuming", slog.String("group", cfg.ConsumerGroup))
	if err := consumer.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
