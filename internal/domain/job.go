// Package domain holds the core entities, error sentinels and ports shared by
// the control plane and the workers. It has no dependencies on adapters.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context

// JobKind discriminates the polymorphic job table.
type JobKind string

const (
	KindTraining         JobKind = "training"
	KindHPSearch         JobKind = "hp_search"
	KindInference        JobKind = "inference"
	KindXAIOrchestration JobKind = "xai_orchestration"
	KindXAIResult        JobKind = "xai_result"
	KindCommitIngestion  JobKind = "commit_ingestion"
	KindDatasetGen       JobKind = "dataset_generation"
)

// AllJobKinds lists every kind the platform dispatches.
var AllJobKinds = []JobKind{
	KindTraining, KindHPSearch, KindInference, KindXAIOrchestration,
	KindXAIResult, KindCommitIngestion, KindDatasetGen,
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobRevoked JobStatus = "revoked"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobRevoked
}

// legalTransitions is the table-driven state machine used by every CAS path.
// Transitions are monotonic: pending -> running -> {success|failed|revoked},
// plus pending -> {failed|revoked} for submissions that never start.
var legalTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobFailed, JobRevoked},
	JobRunning: {JobSuccess, JobFailed, JobRevoked},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to JobStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrConflict for illegal transitions.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ErrConflict)
	}
	return nil
}

// Job is the polymorphic job row. Kind-specific references are nullable and
// populated per kind; Config carries the opaque per-kind JSON config.
type Job struct {
	ID            int64
	Kind          JobKind
	Status        JobStatus
	StatusMessage string
	BrokerTaskID  string
	Config        json.RawMessage

	// Kind-specific references.
	DatasetID      *int64 // training, hp_search
	ModelID        *int64 // inference
	RepositoryID   *int64 // dataset_generation, commit_ingestion
	InferenceJobID *int64 // xai_result
	XAIType        string // xai_result

	// HP-search bookkeeping.
	StudyName   string
	BestTrialID *int64
	BestParams  json.RawMessage
	BestValue   *float64

	// Inference bookkeeping.
	InputReference   json.RawMessage
	PredictionResult json.RawMessage

	// XAI bookkeeping.
	XAIResult json.RawMessage

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TrainingConfig is the decoded config for training jobs and for the retrain
// phase of HP-search jobs.
type TrainingConfig struct {
	ModelName       string                     `json:"model_name" validate:"required"`
	ModelType       string                     `json:"model_type" validate:"required"`
	Hyperparameters map[string]json.RawMessage `json:"hyperparameters"`
	FeatureColumns  []string                   `json:"feature_columns" validate:"required,min=1"`
	TargetColumn    string                     `json:"target_column" validate:"required"`
	TestSplit       float64                    `json:"test_split"`
	RandomSeed      int64                      `json:"random_seed"`
}

// HPSearchConfig is the decoded config for hyper-parameter search jobs.
type HPSearchConfig struct {
	StudyName        string               `json:"study_name" validate:"required"`
	ModelType        string               `json:"model_type" validate:"required"`
	ContinueIfExists bool                 `json:"continue_if_exists"`
	NTrials          int                  `json:"n_trials" validate:"min=1"`
	Sampler          string               `json:"sampler"`
	ObjectiveMetric  string               `json:"objective_metric"`
	CVFolds          int                  `json:"cv_folds"`
	EnablePruning    bool                 `json:"enable_pruning"`
	SearchSpace      map[string]ParamDist `json:"search_space" validate:"required,min=1"`
	RetrainBest      bool                 `json:"retrain_best"`
	ModelName        string               `json:"model_name"`
	FeatureColumns   []string             `json:"feature_columns" validate:"required,min=1"`
	TargetColumn     string               `json:"target_column" validate:"required"`
	RandomSeed       int64                `json:"random_seed"`
}

// ParamDist describes one dimension of a typed search space.
type ParamDist struct {
	Type    string            `json:"type" validate:"required,oneof=float int categorical"`
	Low     *float64          `json:"low,omitempty"`
	High    *float64          `json:"high,omitempty"`
	Step    *float64          `json:"step,omitempty"`
	Log     bool              `json:"log,omitempty"`
	Choices []json.RawMessage `json:"choices,omitempty"`
}

// InferenceConfig is the decoded config for inference jobs.
type InferenceConfig struct {
	ModelID        int64           `json:"model_id" validate:"required"`
	InputReference json.RawMessage `json:"input_reference" validate:"required"`
}

// InputReference is the decoded input_reference payload. RepoID and
// CommitHash are mandatory; anything else rides along untouched.
type InputReference struct {
	RepoID     int64  `json:"repo_id" validate:"required"`
	CommitHash string `json:"commit_hash" validate:"required"`
}

// DatasetGenConfig is the decoded config for dataset generation jobs.
type DatasetGenConfig struct {
	RepositoryID     int64                      `json:"repository_id" validate:"required"`
	FeatureColumns   []string                   `json:"feature_columns" validate:"required,min=1"`
	TargetColumn     string                     `json:"target_column" validate:"required"`
	CleaningRules    []CleaningRuleConfig       `json:"cleaning_rules"`
	FeatureSelection *FeatureSelectionConfig    `json:"feature_selection,omitempty"`
	BatchSize        int                        `json:"batch_size"`
	Extra            map[string]json.RawMessage `json:"-"`
}

// CleaningRuleConfig names a cleaning rule plus its parameters.
type CleaningRuleConfig struct {
	Name   string                     `json:"name" validate:"required"`
	Params map[string]json.RawMessage `json:"params"`
}

// FeatureSelectionConfig names a feature-selection algorithm plus parameters.
type FeatureSelectionConfig struct {
	Algorithm string                     `json:"algorithm" validate:"required"`
	Params    map[string]json.RawMessage `json:"params"`
}

// CommitIngestionConfig is the decoded config for commit ingestion jobs.
type CommitIngestionConfig struct {
	RepositoryID int64  `json:"repository_id" validate:"required"`
	CommitHash   string `json:"commit_hash" validate:"required"`
}

// XAIType enumerates explanation kinds. DecisionPath applies to tree-based
// models only; the orchestrator decides the applicable set.
const (
	XAITypeSHAP              = "shap"
	XAITypeLIME              = "lime"
	XAITypeFeatureImportance = "feature_importance"
	XAITypeCounterfactual    = "counterfactual"
	XAITypeDecisionPath      = "decision_path"
)

// TerminalUpdate carries the fields written together with a terminal CAS.
type TerminalUpdate struct {
	StatusMessage    string
	BestTrialID      *int64
	BestParams       json.RawMessage
	BestValue        *float64
	PredictionResult json.RawMessage
	XAIResult        json.RawMessage
}

// JobRepository is the port for job persistence. Every status mutation is a
// compare-and-set keyed on (id, expected); implementations report false when
// zero rows matched so the caller can reload and decide.
type JobRepository interface {
	Create(ctx Context, j Job) (int64, error)
	Get(ctx Context, id int64) (Job, error)
	List(ctx Context, kind JobKind, limit int) ([]Job, error)

	// CASRunning transitions expected -> running, stamping started_at and the
	// broker task id.
	CASRunning(ctx Context, id int64, expected JobStatus, taskID string) (bool, error)
	// CASTerminal transitions expected -> a terminal status, stamping
	// completed_at and the terminal payload.
	CASTerminal(ctx Context, id int64, expected, next JobStatus, upd TerminalUpdate) (bool, error)

	SetBrokerTaskID(ctx Context, id int64, taskID string) error
	AdoptTaskID(ctx Context, id int64, taskID string) error

	// FindStudy returns the newest hp_search job carrying studyName.
	FindStudy(ctx Context, studyName string) (Job, error)
	// FindXAIResult returns the xai_result job for (inferenceJobID, xaiType).
	FindXAIResult(ctx Context, inferenceJobID int64, xaiType string) (Job, error)
	ListXAIResults(ctx Context, inferenceJobID int64) ([]Job, error)
	// MarkStuck flips jobs running longer than maxAge to failed.
	MarkStuck(ctx Context, maxAge time.Duration) (int64, error)
	CountByKindStatus(ctx Context) (map[JobKind]map[JobStatus]int64, error)
}
