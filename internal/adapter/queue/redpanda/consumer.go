package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
)

// Processor handles one dispatch message. Implementations must be safe for
// concurrent use; each in-flight job is handled by exactly one worker
// goroutine.
type Processor interface {
	Process(ctx context.Context, payload domain.TaskPayload) error
}

// Consumer wraps a Kafka group session consuming every job-kind topic and
// fanning records out to a bounded worker pool.
type Consumer struct {
	session   *kgo.GroupTransactSession
	processor Processor

	groupID    string
	topics     []string
	minWorkers int
	maxWorkers int

	jobQueue      chan *kgo.Record
	activeWorkers int
	workerMu      sync.RWMutex
	shutdown      chan struct{}
}

// NewConsumer constructs a Consumer subscribed to all job-kind topics.
func NewConsumer(brokers []string, groupID, transactionalID string, processor Processor, minWorkers, maxWorkers int) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if transactionalID == "" {
		transactionalID = "defector-consumer"
	}
	if minWorkers <= 0 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}

	topics := AllTopics()
	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	for _, topic := range topics {
		if err := createTopicIfNotExists(ctx, tempClient, topic, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
	tempClient.Close()

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(5 * time.Second),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created",
		slog.String("group_id", groupID),
		slog.Any("topics", topics),
		slog.Int("min_workers", minWorkers),
		slog.Int("max_workers", maxWorkers))
	return &Consumer{
		session:       session,
		processor:     processor,
		groupID:       groupID,
		topics:        topics,
		minWorkers:    minWorkers,
		maxWorkers:    maxWorkers,
		jobQueue:      make(chan *kgo.Record, maxWorkers*2),
		activeWorkers: minWorkers,
		shutdown:      make(chan struct{}),
	}, nil
}

// Start begins consuming. It blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for i := 0; i < c.minWorkers; i++ {
		go c.worker(ctx, i)
	}
	go c.fetcher(ctx)
	go c.scaler(ctx)

	<-ctx.Done()
	slog.Info("redpanda consumer shutting down")
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) fetcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if err.Err == context.Canceled {
					return
				}
				slog.Error("fetch error",
					slog.String("topic", err.Topic),
					slog.Int("partition", int(err.Partition)),
					slog.Any("error", err.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			select {
			case c.jobQueue <- record:
			case <-ctx.Done():
			}
		})
	}
}

// scaler grows the worker pool when records back up and lets excess workers
// retire on their own.
func (c *Consumer) scaler(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			backlog := len(c.jobQueue)
			active := c.getActiveWorkers()
			if backlog > 0 && active < c.maxWorkers {
				add := min(backlog, c.maxWorkers-active)
				for i := 0; i < add; i++ {
					c.addWorker(1)
					go c.worker(ctx, c.getActiveWorkers())
				}
				slog.Info("scaled up workers", slog.Int("added", add), slog.Int("active", c.getActiveWorkers()))
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("record processing failed",
					slog.Int("worker_id", workerID),
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}
			// Retire when idle and above the floor.
			if c.getActiveWorkers() > c.minWorkers && len(c.jobQueue) == 0 {
				c.addWorker(-1)
				return
			}
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()

	var payload domain.TaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	lg := observability.LoggerFromContext(ctx).With(
		slog.Int64("job_id", payload.JobID),
		slog.String("task_id", payload.TaskID),
		slog.String("kind", string(payload.Kind)),
	)
	ctx = observability.ContextWithLogger(ctx, lg)
	lg.Info("processing dispatch message")

	if err := c.processor.Process(ctx, payload); err != nil {
		lg.Error("job processing failed", slog.Any("error", err))
		return err
	}
	lg.Info("job processed")
	return nil
}

func (c *Consumer) getActiveWorkers() int {
	c.workerMu.RLock()
	defer c.workerMu.RUnlock()
	return c.activeWorkers
}

func (c *Consumer) addWorker(delta int) {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	c.activeWorkers += delta
	if c.activeWorkers < 0 {
		c.activeWorkers = 0
	}
}

// Close closes the consumer session.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	return nil
}
