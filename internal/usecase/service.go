// Package usecase holds the control-plane application services: submission
// with cross-entity validation and broker dispatch, status reads, revocation
// and the dashboard aggregation.
package usecase

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service wires the ports the control plane needs. It is stateless; every
// method is safe for concurrent use.
type Service struct {
	Jobs         domain.JobRepository
	Models       domain.ModelRepository
	Datasets     domain.DatasetRepository
	Repositories domain.RepositoryRepository
	Capabilities domain.CapabilityRepository
	Tasks        domain.TaskStore
	Queue        domain.Queue
}

// Submission is what every submit endpoint returns.
type Submission struct {
	JobID  int64  `json:"job_id"`
	TaskID string `json:"task_id"`
}

// dispatch publishes the broker message for a freshly created pending job
// and records the task id. A publish failure flips the row to failed; that
// compensation is best effort and logged when it loses.
func (s *Service) dispatch(ctx context.Context, jobID int64, kind domain.JobKind) (string, error) {
	log := observability.LoggerFromContext(ctx)
	taskID, err := s.Queue.Enqueue(ctx, kind, jobID)
	if err != nil {
		msg := "publish failed: " + err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if _, casErr := s.Jobs.CASTerminal(ctx, jobID, domain.JobPending, domain.JobFailed,
			domain.TerminalUpdate{StatusMessage: msg}); casErr != nil {
			log.Error("publish compensation failed",
				slog.Int64("job_id", jobID), slog.Any("error", casErr))
		}
		return "", err
	}
	if err := s.Jobs.SetBrokerTaskID(ctx, jobID, taskID); err != nil {
		log.Error("failed to record broker task id",
			slog.Int64("job_id", jobID), slog.String("task_id", taskID), slog.Any("error", err))
	}
	return taskID, nil
}
