package domain

import "time"

// Repository is a git repository under analysis.
type Repository struct {
	ID        int64
	Name      string
	GitURL    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotPatternType selects the matching semantics of a bot pattern.
type BotPatternType string

const (
	BotPatternExact    BotPatternType = "exact"
	BotPatternWildcard BotPatternType = "wildcard"
	BotPatternRegex    BotPatternType = "regex"
)

// BotPattern marks commit authors as bots (or excludes them from bot
// matching when IsExclusion is set). RepositoryID nil means global scope.
type BotPattern struct {
	ID           int64
	RepositoryID *int64
	Pattern      string
	Type         BotPatternType
	IsExclusion  bool
	CreatedAt    time.Time
}

// CommitGuruMetric holds process metrics for one commit; unique on
// (repository_id, commit_hash).
type CommitGuruMetric struct {
	ID           int64
	RepositoryID int64
	CommitHash   string
	ParentHashes string
	AuthorName   string
	AuthorEmail  string
	AuthorDate   time.Time
	IsBuggy      bool
	FixHash      string
	Metrics      map[string]float64
}

// CKMetric holds class-level static metrics for one file in one commit;
// unique on (repository_id, commit_hash, file, class_name).
type CKMetric struct {
	ID           int64
	RepositoryID int64
	CommitHash   string
	File         string
	ClassName    string
	Metrics      map[string]float64
}

// IngestionStatus is the commit-detail ingestion sub-state machine.
type IngestionStatus string

const (
	IngestionNotIngested IngestionStatus = "not_ingested"
	IngestionInProgress  IngestionStatus = "in_progress"
	IngestionComplete    IngestionStatus = "complete"
	IngestionFailed      IngestionStatus = "failed"
)

// CommitFileDiff is one file's change in a commit.
type CommitFileDiff struct {
	File         string `json:"file"`
	ChangeType   string `json:"change_type"`
	LinesAdded   int    `json:"lines_added"`
	LinesDeleted int    `json:"lines_deleted"`
	Diff         string `json:"diff"`
}

// CommitDetail is the ingested view of one commit.
type CommitDetail struct {
	ID              int64
	RepositoryID    int64
	CommitHash      string
	Author          string
	Message         string
	CommittedAt     time.Time
	IngestionStatus IngestionStatus
	FileDiffs       []CommitFileDiff
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RepositoryRepository is the port for repository rows and their ancillary
// entities. Metric upserts are bulk, keyed on the composite unique keys.
type RepositoryRepository interface {
	Create(ctx Context, r Repository) (int64, error)
	Get(ctx Context, id int64) (Repository, error)
	List(ctx Context, limit int) ([]Repository, error)
	// Delete cascades through datasets, models, jobs and results.
	Delete(ctx Context, id int64) error

	ListBotPatterns(ctx Context, repositoryID int64) ([]BotPattern, error)
	CreateBotPattern(ctx Context, p BotPattern) (int64, error)

	BulkUpsertGuruMetrics(ctx Context, ms []CommitGuruMetric) error
	GetGuruMetric(ctx Context, repositoryID int64, commitHash string) (CommitGuruMetric, error)
	ListGuruMetrics(ctx Context, repositoryID int64, offset, limit int) ([]CommitGuruMetric, error)
	CountGuruMetrics(ctx Context, repositoryID int64) (int64, error)

	BulkUpsertCKMetrics(ctx Context, ms []CKMetric) error
	ListCKMetrics(ctx Context, repositoryID int64, commitHash string) ([]CKMetric, error)

	GetCommitDetail(ctx Context, repositoryID int64, commitHash string) (CommitDetail, error)
	UpsertCommitDetail(ctx Context, d CommitDetail) (int64, error)
	SetIngestionStatus(ctx Context, repositoryID int64, commitHash string, st IngestionStatus) error
}
