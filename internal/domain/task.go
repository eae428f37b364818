package domain

import "encoding/json"

// TaskStatus is the wire-observable broker task state, distinct from the
// authoritative JobStatus on the DB row.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskReceived TaskStatus = "received"
	TaskStarted  TaskStatus = "started"
	TaskSuccess  TaskStatus = "success"
	TaskFailure  TaskStatus = "failure"
	TaskRetry    TaskStatus = "retry"
	TaskRevoked  TaskStatus = "revoked"
)

// TaskState is the snapshot served by GET /tasks/{task_id}.
type TaskState struct {
	TaskID        string          `json:"task_id"`
	Status        TaskStatus      `json:"status"`
	Progress      int             `json:"progress"`
	StatusMessage string          `json:"status_message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// TaskPayload is the broker message body. It carries only the job id; the
// job row is the source of truth for everything else.
type TaskPayload struct {
	TaskID string  `json:"task_id"`
	JobID  int64   `json:"job_id"`
	Kind   JobKind `json:"kind"`
}

// Queue is the port for broker dispatch. Enqueue returns the broker task id.
type Queue interface {
	Enqueue(ctx Context, kind JobKind, jobID int64) (string, error)
}

// TaskStore is the port for the task status channel: progress reporting from
// workers, status reads for the API, and the revoke flag workers poll between
// steps and at batch boundaries.
type TaskStore interface {
	SetStatus(ctx Context, taskID string, status TaskStatus) error
	SetProgress(ctx Context, taskID string, progress int, message string) error
	SetError(ctx Context, taskID string, errMsg string) error
	SetResult(ctx Context, taskID string, result json.RawMessage) error
	Get(ctx Context, taskID string) (TaskState, error)
	Revoke(ctx Context, taskID string, terminate bool, signal string) error
	IsRevoked(ctx Context, taskID string) (bool, error)
}
