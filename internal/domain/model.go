package domain

import (
	"encoding/json"
	"time"
)

// Model is a registered, persisted ML model. (Name, Version) is unique; a row
// without ArtifactURI has no loadable artifact and is invalid for inference.
type Model struct {
	ID                 int64
	Name               string
	Version            int
	ModelType          string
	ArtifactURI        string
	DatasetID          *int64
	TrainingJobID      *int64
	HPSearchJobID      *int64
	Hyperparameters    json.RawMessage
	PerformanceMetrics json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DatasetStatus is the dataset generation lifecycle state.
type DatasetStatus string

const (
	DatasetPending    DatasetStatus = "pending"
	DatasetGenerating DatasetStatus = "generating"
	DatasetReady      DatasetStatus = "ready"
	DatasetFailed     DatasetStatus = "failed"
)

// Dataset is a generated tabular dataset tied to a repository.
type Dataset struct {
	ID                  int64
	RepositoryID        int64
	Name                string
	Status              DatasetStatus
	StatusMessage       string
	StorageURI          string
	BackgroundSampleURI string
	NumRows             int64
	Config              json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ModelRepository is the port for model persistence.
type ModelRepository interface {
	Create(ctx Context, m Model) (int64, error)
	Get(ctx Context, id int64) (Model, error)
	// MaxVersion returns the highest existing version for name, 0 when none.
	MaxVersion(ctx Context, name string) (int, error)
	// FindByJobID returns the model registered by a training or hp_search job.
	FindByJobID(ctx Context, jobID int64) (Model, error)
	// SetArtifactURI records the artifact location after the write succeeded.
	SetArtifactURI(ctx Context, id int64, uri string) error
	List(ctx Context, limit int) ([]Model, error)
	Count(ctx Context) (int64, error)
}

// DatasetRepository is the port for dataset persistence.
type DatasetRepository interface {
	Create(ctx Context, d Dataset) (int64, error)
	Get(ctx Context, id int64) (Dataset, error)
	UpdateStatus(ctx Context, id int64, status DatasetStatus, message string) error
	// SetReady records both URIs and the row count together with the ready flip.
	SetReady(ctx Context, id int64, storageURI, backgroundURI string, numRows int64) error
	List(ctx Context, limit int) ([]Dataset, error)
	Count(ctx Context) (int64, error)
}
