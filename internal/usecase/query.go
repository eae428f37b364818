package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/riskline/defector/internal/domain"
)

// JobView is a job row augmented with broker task state and, once the job
// completed, its registered model.
type JobView struct {
	Job   domain.Job
	Task  *domain.TaskState
	Model *domain.Model
}

// GetJob reads a job of the expected kind. The DB row is authoritative; the
// task state only adds progress and intermediate messages.
func (s *Service) GetJob(ctx context.Context, id int64, kind domain.JobKind) (JobView, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	if kind != "" && job.Kind != kind {
		return JobView{}, fmt.Errorf("job %d is %s, not %s: %w", id, job.Kind, kind, domain.ErrNotFound)
	}

	view := JobView{Job: job}
	if job.BrokerTaskID != "" {
		if st, err := s.Tasks.Get(ctx, job.BrokerTaskID); err == nil {
			view.Task = &st
		}
	}
	if job.Status == domain.JobSuccess &&
		(job.Kind == domain.KindTraining || job.Kind == domain.KindHPSearch) {
		if m, err := s.Models.FindByJobID(ctx, job.ID); err == nil {
			view.Model = &m
		}
	}
	return view, nil
}

// GetTask serves the raw task status channel entry.
func (s *Service) GetTask(ctx context.Context, taskID string) (domain.TaskState, error) {
	return s.Tasks.Get(ctx, taskID)
}

// Revoke flags the task for cancellation. It never mutates the job row; the
// executing handler observes the flag and writes the terminal transition.
// Revoking an unknown or finished task is a no-op.
func (s *Service) Revoke(ctx context.Context, taskID string, terminate bool, signal string) error {
	return s.Tasks.Revoke(ctx, taskID, terminate, signal)
}

// ListExplanations returns the xai_result jobs of one inference job.
func (s *Service) ListExplanations(ctx context.Context, inferenceJobID int64) ([]domain.Job, error) {
	if _, err := s.Jobs.Get(ctx, inferenceJobID); err != nil {
		return nil, err
	}
	return s.Jobs.ListXAIResults(ctx, inferenceJobID)
}

// GetExplanation returns one xai_result job by id.
func (s *Service) GetExplanation(ctx context.Context, id int64) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Kind != domain.KindXAIResult {
		return domain.Job{}, fmt.Errorf("job %d is not an explanation: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

// CommitStatus drives the three-way ingestion response: complete rows carry
// the payload, in-progress rows the task id, anything else just the status.
type CommitStatus struct {
	Detail          *domain.CommitDetail
	IngestionStatus domain.IngestionStatus
	TaskID          string
}

// GetCommit reports the ingestion state of (repository, hash).
func (s *Service) GetCommit(ctx context.Context, repositoryID int64, commitHash string) (CommitStatus, error) {
	if _, err := s.Repositories.Get(ctx, repositoryID); err != nil {
		return CommitStatus{}, err
	}
	detail, err := s.Repositories.GetCommitDetail(ctx, repositoryID, commitHash)
	if errors.Is(err, domain.ErrNotFound) {
		return CommitStatus{IngestionStatus: domain.IngestionNotIngested}, nil
	}
	if err != nil {
		return CommitStatus{}, err
	}

	st := CommitStatus{IngestionStatus: detail.IngestionStatus}
	switch detail.IngestionStatus {
	case domain.IngestionComplete:
		st.Detail = &detail
	case domain.IngestionInProgress:
		if job, err := s.latestIngestionTask(ctx, repositoryID, commitHash); err == nil {
			st.TaskID = job
		}
	}
	return st, nil
}

// latestIngestionTask finds the broker task currently ingesting the commit.
func (s *Service) latestIngestionTask(ctx context.Context, repositoryID int64, commitHash string) (string, error) {
	jobs, err := s.Jobs.List(ctx, domain.KindCommitIngestion, 50)
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.Status.Terminal() || j.RepositoryID == nil || *j.RepositoryID != repositoryID {
			continue
		}
		var cfg domain.CommitIngestionConfig
		if err := json.Unmarshal(j.Config, &cfg); err != nil {
			continue
		}
		if cfg.CommitHash == commitHash {
			return j.BrokerTaskID, nil
		}
	}
	return "", domain.ErrNotFound
}

// Dashboard aggregates job, dataset and model counts for the read-only
// overview endpoint.
type Dashboard struct {
	Jobs     map[domain.JobKind]map[domain.JobStatus]int64 `json:"jobs"`
	Datasets int64                                         `json:"datasets"`
	Models   int64                                         `json:"models"`
}

// GetDashboard reads the aggregation; it never mutates state.
func (s *Service) GetDashboard(ctx context.Context) (Dashboard, error) {
	jobs, err := s.Jobs.CountByKindStatus(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	datasets, err := s.Datasets.Count(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	models, err := s.Models.Count(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Jobs: jobs, Datasets: datasets, Models: models}, nil
}

// ListCapabilities surfaces one registry's implemented rows verbatim.
func (s *Service) ListCapabilities(ctx context.Context, registry domain.CapabilityRegistry) ([]domain.Capability, error) {
	return s.Capabilities.ListImplemented(ctx, registry)
}
