package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/riskline/defector/internal/cleaning"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/featureselect"
	"github.com/riskline/defector/internal/ml"
)

// SubmitTraining validates a training request against the model-type
// registry and the referenced dataset, then creates and dispatches the job.
func (s *Service) SubmitTraining(ctx context.Context, datasetID int64, cfg domain.TrainingConfig) (Submission, error) {
	if err := validate.Struct(cfg); err != nil {
		return Submission{}, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := s.checkModelType(ctx, cfg.ModelType, cfg.Hyperparameters); err != nil {
		return Submission{}, err
	}
	if err := s.checkDatasetReady(ctx, datasetID); err != nil {
		return Submission{}, err
	}

	config, err := json.Marshal(cfg)
	if err != nil {
		return Submission{}, err
	}
	jobID, err := s.Jobs.Create(ctx, domain.Job{
		Kind:      domain.KindTraining,
		Status:    domain.JobPending,
		Config:    config,
		DatasetID: &datasetID,
	})
	if err != nil {
		return Submission{}, err
	}
	taskID, err := s.dispatch(ctx, jobID, domain.KindTraining)
	if err != nil {
		return Submission{}, err
	}
	return Submission{JobID: jobID, TaskID: taskID}, nil
}

// SubmitHPSearch applies the study re-use rule: an existing study name is
// accepted only with continue_if_exists and a matching dataset + model type.
func (s *Service) SubmitHPSearch(ctx context.Context, datasetID int64, cfg domain.HPSearchConfig) (Submission, error) {
	if err := validate.Struct(cfg); err != nil {
		return Submission{}, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := s.checkModelType(ctx, cfg.ModelType, nil); err != nil {
		return Submission{}, err
	}
	if err := s.checkDatasetReady(ctx, datasetID); err != nil {
		return Submission{}, err
	}

	existing, err := s.Jobs.FindStudy(ctx, cfg.StudyName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// New study.
	case err != nil:
		return Submission{}, err
	default:
		if !cfg.ContinueIfExists {
			return Submission{}, fmt.Errorf("study %q already exists: %w", cfg.StudyName, domain.ErrConflict)
		}
		if existing.DatasetID == nil || *existing.DatasetID != datasetID {
			return Submission{}, fmt.Errorf("study %q attached to a different dataset: %w", cfg.StudyName, domain.ErrConflict)
		}
		var prior domain.HPSearchConfig
		if err := json.Unmarshal(existing.Config, &prior); err == nil && prior.ModelType != cfg.ModelType {
			return Submission{}, fmt.Errorf("study %q attached to model type %q: %w", cfg.StudyName, prior.ModelType, domain.ErrConflict)
		}
	}

	config, err := json.Marshal(cfg)
	if err != nil {
		return Submission{}, err
	}
	jobID, err := s.Jobs.Create(ctx, domain.Job{
		Kind:      domain.KindHPSearch,
		Status:    domain.JobPending,
		Config:    config,
		DatasetID: &datasetID,
		StudyName: cfg.StudyName,
	})
	if err != nil {
		return Submission{}, err
	}
	taskID, err := s.dispatch(ctx, jobID, domain.KindHPSearch)
	if err != nil {
		return Submission{}, err
	}
	return Submission{JobID: jobID, TaskID: taskID}, nil
}

// SubmitInference rejects models without a written artifact; such rows exist
// after a failed artifact write and must never serve predictions.
func (s *Service) SubmitInference(ctx context.Context, cfg domain.InferenceConfig) (Submission, error) {
	if err := validate.Struct(cfg); err != nil {
		return Submission{}, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}
	var ref domain.InputReference
	if err := json.Unmarshal(cfg.InputReference, &ref); err != nil {
		return Submission{}, fmt.Errorf("input_reference: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(ref); err != nil {
		return Submission{}, fmt.Errorf("input_reference: %w: %w", domain.ErrInvalidArgument, err)
	}

	model, err := s.Models.Get(ctx, cfg.ModelID)
	if err != nil {
		return Submission{}, err
	}
	if model.ArtifactURI == "" {
		return Submission{}, fmt.Errorf("model %d has no artifact: %w", model.ID, domain.ErrConflict)
	}

	config, err := json.Marshal(cfg)
	if err != nil {
		return Submission{}, err
	}
	jobID, err := s.Jobs.Create(ctx, domain.Job{
		Kind:           domain.KindInference,
		Status:         domain.JobPending,
		Config:         config,
		ModelID:        &cfg.ModelID,
		InputReference: cfg.InputReference,
	})
	if err != nil {
		return Submission{}, err
	}
	taskID, err := s.dispatch(ctx, jobID, domain.KindInference)
	if err != nil {
		return Submission{}, err
	}
	return Submission{JobID: jobID, TaskID: taskID}, nil
}

// SubmitDatasetGeneration creates the dataset row in pending and the job
// that will generate it.
func (s *Service) SubmitDatasetGeneration(ctx context.Context, name string, cfg domain.DatasetGenConfig) (Submission, int64, error) {
	if err := validate.Struct(cfg); err != nil {
		return Submission{}, 0, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := cleaning.Validate(cfg.CleaningRules); err != nil {
		return Submission{}, 0, err
	}
	if fs := cfg.FeatureSelection; fs != nil {
		if _, err := featureselect.Lookup(fs.Algorithm); err != nil {
			return Submission{}, 0, err
		}
	}
	if _, err := s.Repositories.Get(ctx, cfg.RepositoryID); err != nil {
		return Submission{}, 0, err
	}

	config, err := json.Marshal(cfg)
	if err != nil {
		return Submission{}, 0, err
	}
	datasetID, err := s.Datasets.Create(ctx, domain.Dataset{
		RepositoryID: cfg.RepositoryID,
		Name:         name,
		Status:       domain.DatasetPending,
		Config:       config,
	})
	if err != nil {
		return Submission{}, 0, err
	}
	jobID, err := s.Jobs.Create(ctx, domain.Job{
		Kind:         domain.KindDatasetGen,
		Status:       domain.JobPending,
		Config:       config,
		DatasetID:    &datasetID,
		RepositoryID: &cfg.RepositoryID,
	})
	if err != nil {
		return Submission{}, 0, err
	}
	taskID, err := s.dispatch(ctx, jobID, domain.KindDatasetGen)
	if err != nil {
		return Submission{}, 0, err
	}
	return Submission{JobID: jobID, TaskID: taskID}, datasetID, nil
}

// SubmitCommitIngestion dispatches an ingestion job for (repository, hash).
func (s *Service) SubmitCommitIngestion(ctx context.Context, repositoryID int64, commitHash string) (Submission, error) {
	if commitHash == "" {
		return Submission{}, fmt.Errorf("commit hash required: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Repositories.Get(ctx, repositoryID); err != nil {
		return Submission{}, err
	}
	config, err := json.Marshal(domain.CommitIngestionConfig{RepositoryID: repositoryID, CommitHash: commitHash})
	if err != nil {
		return Submission{}, err
	}
	jobID, err := s.Jobs.Create(ctx, domain.Job{
		Kind:         domain.KindCommitIngestion,
		Status:       domain.JobPending,
		Config:       config,
		RepositoryID: &repositoryID,
	})
	if err != nil {
		return Submission{}, err
	}
	taskID, err := s.dispatch(ctx, jobID, domain.KindCommitIngestion)
	if err != nil {
		return Submission{}, err
	}
	return Submission{JobID: jobID, TaskID: taskID}, nil
}

// checkModelType consults the model-type registry and validates submitted
// hyperparameters against the advertised schema.
func (s *Service) checkModelType(ctx context.Context, modelType string, hp map[string]json.RawMessage) error {
	cap, err := s.Capabilities.Get(ctx, domain.RegistryModelTypes, modelType)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("unsupported model_type %q: %w", modelType, domain.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}
	if !cap.IsImplemented {
		return fmt.Errorf("model_type %q not implemented by any worker: %w", modelType, domain.ErrInvalidArgument)
	}
	if hp != nil {
		if err := ml.ValidateParams(cap.ParameterSpec, hp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkDatasetReady(ctx context.Context, datasetID int64) error {
	ds, err := s.Datasets.Get(ctx, datasetID)
	if err != nil {
		return err
	}
	if ds.Status != domain.DatasetReady {
		return fmt.Errorf("dataset %d is %s, want ready: %w", ds.ID, ds.Status, domain.ErrConflict)
	}
	return nil
}
