// Package redpanda provides Redpanda/Kafka queue integration. The control
// plane publishes one message per submitted job to the topic of the job's
// kind; workers consume them with read-committed isolation.
package redpanda

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
)

// Producer wraps a transactional Kafka producer and implements domain.Queue.
type Producer struct {
	client *kgo.Client
	// Serializes transactions; kgo allows one open transaction per client.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once publish semantics and
// ensures the per-kind dispatch topics exist.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if transactionalID == "" {
		transactionalID = "defector-producer"
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range AllTopics() {
		if err := createTopicIfNotExists(ctx, client, topic, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}

	slog.Info("redpanda producer created", slog.Any("brokers", brokers))
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Enqueue publishes a dispatch message for (kind, jobID) and returns the
// broker task id.
func (p *Producer) Enqueue(ctx domain.Context, kind domain.JobKind, jobID int64) (string, error) {
	taskID := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	payload := domain.TaskPayload{TaskID: taskID, JobID: jobID, Kind: kind}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		p.abort(ctx)
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicForKind(kind),
		Key:   []byte(fmt.Sprintf("%d", jobID)), // job id as key for ordering
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(taskID)},
			{Key: "kind", Value: []byte(kind)},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		p.abort(ctx)
		return "", fmt.Errorf("produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	observability.EnqueueJob(string(kind))
	slog.Info("job enqueued",
		slog.String("topic", TopicForKind(kind)),
		slog.Int64("job_id", jobID),
		slog.String("task_id", taskID))
	return taskID, nil
}

func (p *Producer) abort(ctx context.Context) {
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("failed to abort transaction", slog.Any("error", err))
	}
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
