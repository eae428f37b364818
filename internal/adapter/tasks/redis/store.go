// Package redis implements the task status channel on Redis: per-task status
// hashes the API reads, progress updates from workers, and the revoke flag
// workers poll between steps and at batch boundaries.
package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// Store implements domain.TaskStore on a Redis client.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a Store. ttl bounds how long task state outlives the task.
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// NewClient dials Redis with conservative timeouts.
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func taskKey(taskID string) string   { return "task:" + taskID }
func revokeKey(taskID string) string { return "task:" + taskID + ":revoked" }

// SetStatus writes the task status field.
func (s *Store) SetStatus(ctx domain.Context, taskID string, status domain.TaskStatus) error {
	tracer := otel.Tracer("tasks.redis")
	ctx, span := tracer.Start(ctx, "tasks.SetStatus")
	defer span.End()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), "status", string(status))
	pipe.Expire(ctx, taskKey(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=task.set_status: %w", err)
	}
	return nil
}

// SetProgress writes progress percentage and the step message.
func (s *Store) SetProgress(ctx domain.Context, taskID string, progress int, message string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), "progress", progress, "status_message", message)
	pipe.Expire(ctx, taskKey(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=task.set_progress: %w", err)
	}
	return nil
}

// SetError records the failure string (type + message, truncated to 500).
func (s *Store) SetError(ctx domain.Context, taskID string, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	if err := s.client.HSet(ctx, taskKey(taskID), "error", errMsg).Err(); err != nil {
		return fmt.Errorf("op=task.set_error: %w", err)
	}
	return nil
}

// SetResult records the serialized task result.
func (s *Store) SetResult(ctx domain.Context, taskID string, result json.RawMessage) error {
	if err := s.client.HSet(ctx, taskKey(taskID), "result", string(result)).Err(); err != nil {
		return fmt.Errorf("op=task.set_result: %w", err)
	}
	return nil
}

// Get returns the task state snapshot. Unknown tasks read as pending, so the
// API never 404s a task id it just handed out.
func (s *Store) Get(ctx domain.Context, taskID string) (domain.TaskState, error) {
	tracer := otel.Tracer("tasks.redis")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	vals, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return domain.TaskState{}, fmt.Errorf("op=task.get: %w", err)
	}
	st := domain.TaskState{TaskID: taskID, Status: domain.TaskPending}
	if v, ok := vals["status"]; ok {
		st.Status = domain.TaskStatus(v)
	}
	if v, ok := vals["progress"]; ok {
		_, _ = fmt.Sscanf(v, "%d", &st.Progress)
	}
	st.StatusMessage = vals["status_message"]
	st.Error = vals["error"]
	if v, ok := vals["result"]; ok && v != "" {
		st.Result = json.RawMessage(v)
	}
	return st, nil
}

// Revoke raises the revoke flag for taskID and flips its visible status.
// Idempotent: revoking twice, or revoking a finished task, is harmless.
func (s *Store) Revoke(ctx domain.Context, taskID string, terminate bool, signal string) error {
	tracer := otel.Tracer("tasks.redis")
	ctx, span := tracer.Start(ctx, "tasks.Revoke")
	defer span.End()
	payload, err := json.Marshal(map[string]any{"terminate": terminate, "signal": signal})
	if err != nil {
		return fmt.Errorf("op=task.revoke.marshal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, revokeKey(taskID), string(payload), s.ttl)
	pipe.HSet(ctx, taskKey(taskID), "status", string(domain.TaskRevoked))
	pipe.Expire(ctx, taskKey(taskID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=task.revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether the revoke flag is raised for taskID.
func (s *Store) IsRevoked(ctx domain.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, revokeKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=task.is_revoked: %w", err)
	}
	return n > 0, nil
}
