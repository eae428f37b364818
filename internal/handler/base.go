// Package handler contains the per-kind job executors and the runner that
// drives their shared lifecycle: claim the row, execute, write exactly one
// terminal transition, then emit downstream events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/pipeline"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Deps bundles every port an executor may need. One bundle serves all
// executors; each picks what it declares.
type Deps struct {
	Jobs         domain.JobRepository
	Models       domain.ModelRepository
	Datasets     domain.DatasetRepository
	Repositories domain.RepositoryRepository
	Artifacts    domain.ArtifactStore
	Tasks        domain.TaskStore
	Queue        domain.Queue
	Commits      domain.CommitSource

	BatchSize int
}

func (d Deps) pipelineDeps() *pipeline.Deps {
	return &pipeline.Deps{
		Jobs:         d.Jobs,
		Models:       d.Models,
		Datasets:     d.Datasets,
		Repositories: d.Repositories,
		Artifacts:    d.Artifacts,
		Tasks:        d.Tasks,
		BatchSize:    d.BatchSize,
	}
}

// Executor is the kind-specific body of a job. It returns the terminal
// payload and an optional result document for the task status channel. The
// terminal payload is honoured even on error so partial results (a
// prediction package with an error marker, say) still land on the row.
type Executor interface {
	Kind() domain.JobKind
	Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error)
}

// successHook is implemented by executors that emit downstream submissions.
// It runs strictly after the terminal CAS so consumers observe the upstream
// job as terminal.
type successHook interface {
	AfterSuccess(ctx context.Context, job domain.Job) error
}

// Runner dispatches broker payloads to executors and owns the job state
// machine around them.
type Runner struct {
	deps      Deps
	executors map[domain.JobKind]Executor
}

// NewRunner wires the full executor set.
func NewRunner(deps Deps) *Runner {
	r := &Runner{deps: deps, executors: map[domain.JobKind]Executor{}}
	for _, e := range []Executor{
		&Training{deps},
		&HPSearch{deps},
		&Inference{deps},
		&XAIOrchestration{deps},
		&XAIWorker{deps},
		&DatasetGeneration{deps},
		&CommitIngestion{deps},
	} {
		r.executors[e.Kind()] = e
	}
	return r
}

const statusMessageLimit = 500

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// Process handles one broker delivery. Non-retryable conditions (missing
// row, terminal row, unknown kind) consume the message; infrastructure
// errors before the row is claimed propagate so the consumer can retry.
func (r *Runner) Process(ctx context.Context, payload domain.TaskPayload) error {
	log := observability.LoggerFromContext(ctx)
	exec, ok := r.executors[payload.Kind]
	if !ok {
		log.Error("no executor for kind", slog.String("kind", string(payload.Kind)))
		return nil
	}

	job, err := r.deps.Jobs.Get(ctx, payload.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Error("job row missing for delivery", slog.Int64("job_id", payload.JobID))
		return nil
	}
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		log.Info("ignoring delivery for terminal job",
			slog.Int64("job_id", job.ID), slog.String("status", string(job.Status)))
		return nil
	}

	if claimed, err := r.claim(ctx, &job, payload.TaskID); err != nil {
		return err
	} else if !claimed {
		return nil
	}

	_ = r.deps.Tasks.SetStatus(ctx, payload.TaskID, domain.TaskStarted)
	observability.StartJob(string(job.Kind))

	upd, result, execErr := exec.Execute(ctx, job, payload.TaskID)
	next := r.finish(ctx, job, payload.TaskID, upd, result, execErr)
	observability.FinishJob(string(job.Kind), string(next))

	if execErr == nil && next == domain.JobSuccess {
		if hook, ok := exec.(successHook); ok {
			if err := hook.AfterSuccess(ctx, job); err != nil {
				log.Error("downstream emission failed",
					slog.Int64("job_id", job.ID), slog.Any("error", err))
			}
		}
	}
	return nil
}

// claim moves the row to running under this task id. A lost CAS reloads and
// decides: terminal means drop, running means adopt.
func (r *Runner) claim(ctx context.Context, job *domain.Job, taskID string) (bool, error) {
	log := observability.LoggerFromContext(ctx)
	if job.Status == domain.JobRunning {
		if job.BrokerTaskID != taskID {
			if err := r.deps.Jobs.AdoptTaskID(ctx, job.ID, taskID); err != nil {
				return false, err
			}
			log.Info("adopted running job", slog.Int64("job_id", job.ID))
		}
		return true, nil
	}

	ok, err := r.deps.Jobs.CASRunning(ctx, job.ID, domain.JobPending, taskID)
	if err != nil {
		return false, err
	}
	if ok {
		job.Status = domain.JobRunning
		job.BrokerTaskID = taskID
		return true, nil
	}

	reloaded, err := r.deps.Jobs.Get(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if reloaded.Status.Terminal() {
		log.Info("job transitioned terminally before claim", slog.Int64("job_id", job.ID))
		return false, nil
	}
	if reloaded.Status == domain.JobRunning {
		if err := r.deps.Jobs.AdoptTaskID(ctx, job.ID, taskID); err != nil {
			return false, err
		}
		*job = reloaded
		job.BrokerTaskID = taskID
		return true, nil
	}
	return false, fmt.Errorf("job %d in unexpected status %s after lost claim: %w",
		job.ID, reloaded.Status, domain.ErrConflict)
}

// finish writes the single terminal transition and mirrors it to the task
// status channel. A lost terminal CAS means another actor finished first;
// that is logged, never overridden.
func (r *Runner) finish(ctx context.Context, job domain.Job, taskID string, upd domain.TerminalUpdate, result json.RawMessage, execErr error) domain.JobStatus {
	log := observability.LoggerFromContext(ctx)

	next := domain.JobSuccess
	switch {
	case errors.Is(execErr, domain.ErrCancelled):
		next = domain.JobRevoked
		if upd.StatusMessage == "" {
			upd.StatusMessage = "revoked"
		}
	case execErr != nil:
		next = domain.JobFailed
		upd.StatusMessage = truncate(execErr.Error(), statusMessageLimit)
	}

	ok, err := r.deps.Jobs.CASTerminal(ctx, job.ID, domain.JobRunning, next, upd)
	if err != nil {
		log.Error("terminal transition failed",
			slog.Int64("job_id", job.ID), slog.String("next", string(next)), slog.Any("error", err))
		return next
	}
	if !ok {
		log.Warn("terminal transition lost, another actor finished first",
			slog.Int64("job_id", job.ID), slog.String("next", string(next)))
		return next
	}

	switch next {
	case domain.JobSuccess:
		if result != nil {
			_ = r.deps.Tasks.SetResult(ctx, taskID, result)
		}
		_ = r.deps.Tasks.SetStatus(ctx, taskID, domain.TaskSuccess)
	case domain.JobRevoked:
		_ = r.deps.Tasks.SetStatus(ctx, taskID, domain.TaskRevoked)
	default:
		_ = r.deps.Tasks.SetError(ctx, taskID, upd.StatusMessage)
	}

	log.Info("job finished",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("status", string(next)),
		slog.String("message", upd.StatusMessage))
	return next
}

// revoked polls the task revoke flag between execution phases.
func (d Deps) revoked(ctx context.Context, taskID string) bool {
	if taskID == "" {
		return false
	}
	flag, err := d.Tasks.IsRevoked(ctx, taskID)
	if err != nil {
		return false
	}
	return flag
}
