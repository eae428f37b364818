// Command server runs the control plane: the HTTP API, job submission and
// dispatch, status reads and the stuck-job sweeper.
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
	"time"

	"github.com/riskline/defector/internal/adapter/httpserver"
	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/adapter/queue/redpanda"
	"github.com/riskline/defector/internal/adapter/repo/postgres"
	taskredis "github.com/riskline/defector/internal/adapter/tasks/redis"
	"github.com/riskline/defector/internal/app"
	"github.com/riskline/defector/internal/config"
	"github.com/riskline/defector/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
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

	log := observability.SetupLogger(cfg)
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

	if err := postgres.Migrate(cfg.DBURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db pool: %w", err)
	}
	defer pool.Close()

	redisClient := taskredis.NewClient(cfg.RedisAddr, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()
	tasks := taskredis.New(redisClient, cfg.TaskStatusTTL)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "defector-producer")
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	jobs := postgres.NewJobRepo(pool)
	svc := &usecase.Service{
		Jobs:         jobs,
		Models:       postgres.NewModelRepo(pool),
		Datasets:     postgres.NewDatasetRepo(pool),
		Repositories: postgres.NewRepositoryRepo(pool),
		Capabilities: postgres.NewCapabilityRepo(pool),
		Tasks:        tasks,
		Queue:        producer,
	}

	router := app.NewRouter(cfg, log, httpserver.New(svc))
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go sweepStuckJobs(ctx, log, jobs, cfg.StuckJobMaxAge, cfg.StuckJobSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// sweepStuckJobs periodically flips rows running longer than maxAge to
// failed. A worker crash mid-run otherwise leaves the row running forever.
func sweepStuckJobs(ctx context.Context, log *slog.Logger, jobs interface {
	MarkStuck(ctx context.Context, maxAge time.Duration) (int64, error)
}, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.MarkStuck(ctx, maxAge)
			if err != nil {
				log.Error("stuck-job sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Warn("marked stuck jobs failed", slog.Int64("count", n))
			}
		}
	}
}
