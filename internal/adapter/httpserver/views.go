package httpserver

import (
	"encoding/json"
	"time"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/usecase"
)

// The view structs pin the wire shape of every entity; domain structs stay
// free of JSON tags so storage and API can evolve independently.

type repositoryView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	GitURL    string    `json:"git_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRepositoryView(r domain.Repository) repositoryView {
	return repositoryView{ID: r.ID, Name: r.Name, GitURL: r.GitURL, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

type botPatternView struct {
	ID           int64                 `json:"id"`
	RepositoryID *int64                `json:"repository_id,omitempty"`
	Pattern      string                `json:"pattern"`
	Type         domain.BotPatternType `json:"type"`
	IsExclusion  bool                  `json:"is_exclusion"`
	CreatedAt    time.Time             `json:"created_at"`
}

func toBotPatternView(p domain.BotPattern) botPatternView {
	return botPatternView{
		ID: p.ID, RepositoryID: p.RepositoryID, Pattern: p.Pattern,
		Type: p.Type, IsExclusion: p.IsExclusion, CreatedAt: p.CreatedAt,
	}
}

type datasetView struct {
	ID                  int64                `json:"id"`
	RepositoryID        int64                `json:"repository_id"`
	Name                string               `json:"name"`
	Status              domain.DatasetStatus `json:"status"`
	StatusMessage       string               `json:"status_message,omitempty"`
	StorageURI          string               `json:"storage_uri,omitempty"`
	BackgroundSampleURI string               `json:"background_sample_uri,omitempty"`
	NumRows             int64                `json:"num_rows"`
	Config              json.RawMessage      `json:"config,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func toDatasetView(d domain.Dataset) datasetView {
	return datasetView{
		ID: d.ID, RepositoryID: d.RepositoryID, Name: d.Name, Status: d.Status,
		StatusMessage: d.StatusMessage, StorageURI: d.StorageURI,
		BackgroundSampleURI: d.BackgroundSampleURI, NumRows: d.NumRows,
		Config: d.Config, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

type modelView struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	Version            int             `json:"version"`
	ModelType          string          `json:"model_type"`
	ArtifactURI        string          `json:"artifact_uri,omitempty"`
	DatasetID          *int64          `json:"dataset_id,omitempty"`
	TrainingJobID      *int64          `json:"training_job_id,omitempty"`
	HPSearchJobID      *int64          `json:"hp_search_job_id,omitempty"`
	Hyperparameters    json.RawMessage `json:"hyperparameters,omitempty"`
	PerformanceMetrics json.RawMessage `json:"performance_metrics,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toModelView(m domain.Model) modelView {
	return modelView{
		ID: m.ID, Name: m.Name, Version: m.Version, ModelType: m.ModelType,
		ArtifactURI: m.ArtifactURI, DatasetID: m.DatasetID,
		TrainingJobID: m.TrainingJobID, HPSearchJobID: m.HPSearchJobID,
		Hyperparameters: m.Hyperparameters, PerformanceMetrics: m.PerformanceMetrics,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

type jobView struct {
	ID               int64             `json:"id"`
	Kind             domain.JobKind    `json:"kind"`
	Status           domain.JobStatus  `json:"status"`
	StatusMessage    string            `json:"status_message,omitempty"`
	TaskID           string            `json:"task_id,omitempty"`
	Config           json.RawMessage   `json:"config,omitempty"`
	DatasetID        *int64            `json:"dataset_id,omitempty"`
	ModelID          *int64            `json:"model_id,omitempty"`
	RepositoryID     *int64            `json:"repository_id,omitempty"`
	InferenceJobID   *int64            `json:"inference_job_id,omitempty"`
	XAIType          string            `json:"xai_type,omitempty"`
	StudyName        string            `json:"study_name,omitempty"`
	BestTrialID      *int64            `json:"best_trial_id,omitempty"`
	BestParams       json.RawMessage   `json:"best_params,omitempty"`
	BestValue        *float64          `json:"best_value,omitempty"`
	InputReference   json.RawMessage   `json:"input_reference,omitempty"`
	PredictionResult json.RawMessage   `json:"prediction_result,omitempty"`
	XAIResult        json.RawMessage   `json:"xai_result,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Task             *domain.TaskState `json:"task,omitempty"`
	Model            *modelView        `json:"model,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, Kind: j.Kind, Status: j.Status, StatusMessage: j.StatusMessage,
		TaskID: j.BrokerTaskID, Config: j.Config,
		DatasetID: j.DatasetID, ModelID: j.ModelID, RepositoryID: j.RepositoryID,
		InferenceJobID: j.InferenceJobID, XAIType: j.XAIType,
		StudyName: j.StudyName, BestTrialID: j.BestTrialID,
		BestParams: j.BestParams, BestValue: j.BestValue,
		InputReference: j.InputReference, PredictionResult: j.PredictionResult,
		XAIResult:  j.XAIResult,
		StartedAt:  j.StartedAt, CompletedAt: j.CompletedAt,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func toJobDetailView(v usecase.JobView) jobView {
	out := toJobView(v.Job)
	out.Task = v.Task
	if v.Model != nil {
		m := toModelView(*v.Model)
		out.Model = &m
	}
	return out
}

type commitView struct {
	ID              int64                   `json:"id"`
	RepositoryID    int64                   `json:"repository_id"`
	CommitHash      string                  `json:"commit_hash"`
	Author          string                  `json:"author"`
	Message         string                  `json:"message"`
	CommittedAt     time.Time               `json:"committed_at"`
	IngestionStatus domain.IngestionStatus  `json:"ingestion_status"`
	FileDiffs       []domain.CommitFileDiff `json:"file_diffs"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func toCommitView(d domain.CommitDetail) commitView {
	return commitView{
		ID: d.ID, RepositoryID: d.RepositoryID, CommitHash: d.CommitHash,
		Author: d.Author, Message: d.Message, CommittedAt: d.CommittedAt,
		IngestionStatus: d.IngestionStatus, FileDiffs: d.FileDiffs,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}
