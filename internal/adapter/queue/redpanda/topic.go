package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/riskline/defector/internal/domain"
)

// TopicForKind maps a job kind to its broker topic.
func TopicForKind(kind domain.JobKind) string { return "jobs." + string(kind) }

// AllTopics returns the dispatch topics for every job kind.
func AllTopics() []string {
	out := make([]string, 0, len(domain.AllJobKinds))
	for _, k := range domain.AllJobKinds {
		out = append(out, TopicForKind(k))
	}
	return out
}

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("partitions and replication factor must be positive")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode != 0 {
			if t.ErrorCode == 36 {
				slog.Debug("topic already exists", slog.String("topic", t.Topic))
				continue
			}
			errorMsg := ""
			if t.ErrorMessage != nil {
				errorMsg = *t.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, errorMsg, t.ErrorCode)
		}
	}
	return nil
}
