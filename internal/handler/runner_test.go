package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
	"github.com/riskline/defector/internal/tabular"
)

type fixture struct {
	runner    *Runner
	jobs      *fakeJobs
	models    *fakeModels
	datasets  *fakeDatasets
	repos     *fakeRepos
	artifacts *fakeArtifacts
	tasks     *fakeTasks
	queue     *fakeQueue
	commits   *fakeCommits
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:      newFakeJobs(),
		models:    newFakeModels(),
		datasets:  newFakeDatasets(),
		repos:     newFakeRepos(),
		artifacts: newFakeArtifacts(),
		tasks:     newFakeTasks(),
		queue:     &fakeQueue{},
		commits:   &fakeCommits{},
	}
	f.runner = NewRunner(Deps{
		Jobs:         f.jobs,
		Models:       f.models,
		Datasets:     f.datasets,
		Repositories: f.repos,
		Artifacts:    f.artifacts,
		Tasks:        f.tasks,
		Queue:        f.queue,
		Commits:      f.commits,
		BatchSize:    100,
	})
	return f
}

// seedDataset writes a linearly separable dataset artifact and a ready row.
func (f *fixture) seedDataset(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	frame := tabular.New("la", "ld", "is_buggy")
	for i := 0; i < 30; i++ {
		require.NoError(t, frame.AppendRow(float64(i%5), float64(i%3), 0.0))
		require.NoError(t, frame.AppendRow(50+float64(i%7), 20+float64(i%4), 1.0))
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	id, err := f.datasets.Create(ctx, domain.Dataset{Name: "d", Status: domain.DatasetPending})
	require.NoError(t, err)
	uri := f.artifacts.DatasetURI(id)
	require.NoError(t, f.artifacts.Write(ctx, uri, data))
	require.NoError(t, f.datasets.SetReady(ctx, id, uri, "", int64(frame.NumRows())))
	return id
}

func trainingJob(t *testing.T, f *fixture, datasetID int64) (int64, domain.TaskPayload) {
	t.Helper()
	cfg, err := json.Marshal(domain.TrainingConfig{
		ModelName:      "jit-rf",
		ModelType:      "sklearn_randomforest",
		FeatureColumns: []string{"la", "ld"},
		TargetColumn:   "is_buggy",
		Hyperparameters: map[string]json.RawMessage{
			"n_estimators": json.RawMessage(`5`),
			"max_depth":    json.RawMessage(`4`),
		},
		RandomSeed: 7,
	})
	require.NoError(t, err)
	jobID, err := f.jobs.Create(context.Background(), domain.Job{
		Kind: domain.KindTraining, Status: domain.JobPending, Config: cfg, DatasetID: &datasetID,
	})
	require.NoError(t, err)
	return jobID, domain.TaskPayload{TaskID: "task-train", JobID: jobID, Kind: domain.KindTraining}
}

func TestProcessTrainingSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, payload := trainingJob(t, f, f.seedDataset(t))

	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	m, err := f.models.FindByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "jit-rf", m.Name)
	assert.Equal(t, 1, m.Version)
	assert.NotEmpty(t, m.ArtifactURI)

	// The artifact restores to a working strategy.
	data, err := f.artifacts.Read(ctx, m.ArtifactURI)
	require.NoError(t, err)
	strategy, err := ml.LoadArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"la", "ld"}, strategy.FeatureNames())

	st, err := f.tasks.Get(ctx, payload.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSuccess, st.Status)
	assert.NotEmpty(t, st.Result)
}

func TestProcessIgnoresTerminalJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, payload := trainingJob(t, f, f.seedDataset(t))

	ok, err := f.jobs.CASRunning(ctx, jobID, domain.JobPending, "other-task")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.jobs.CASTerminal(ctx, jobID, domain.JobRunning, domain.JobSuccess, domain.TerminalUpdate{StatusMessage: "done elsewhere"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "done elsewhere", job.StatusMessage)
	assert.Equal(t, "other-task", job.BrokerTaskID)
}

func TestProcessAdoptsRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, payload := trainingJob(t, f, f.seedDataset(t))

	ok, err := f.jobs.CASRunning(ctx, jobID, domain.JobPending, "stale-task")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)
	assert.Equal(t, payload.TaskID, job.BrokerTaskID)
}

func TestProcessRevokedTraining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobID, payload := trainingJob(t, f, f.seedDataset(t))
	require.NoError(t, f.tasks.Revoke(ctx, payload.TaskID, false, ""))

	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRevoked, job.Status)

	_, err = f.models.FindByJobID(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessTrainingFailsOnArtifactWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	datasetID := f.seedDataset(t)
	jobID, payload := trainingJob(t, f, datasetID)
	f.artifacts.writeErr = errors.New("bucket unavailable")

	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)

	// The orphaned row stays, without an artifact URI.
	m, err := f.models.FindByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, m.ArtifactURI)
}

// trainModel fits a forest out of band and registers it with an artifact.
func (f *fixture) trainModel(t *testing.T, datasetID int64) int64 {
	t.Helper()
	ctx := context.Background()
	strategy, err := ml.New("sklearn_randomforest", []string{"la", "ld"}, map[string]json.RawMessage{
		"n_estimators": json.RawMessage(`5`),
	}, 7)
	require.NoError(t, err)
	X := [][]float64{{1, 1}, {2, 0}, {3, 2}, {60, 22}, {55, 21}, {70, 25}}
	y := []float64{0, 0, 0, 1, 1, 1}
	require.NoError(t, strategy.Fit(X, y))
	artifact, err := strategy.Save()
	require.NoError(t, err)

	uri := f.artifacts.ModelURI("jit-rf", 1)
	require.NoError(t, f.artifacts.Write(ctx, uri, artifact))
	id, err := f.models.Create(ctx, domain.Model{
		Name: "jit-rf", Version: 1, ModelType: "sklearn_randomforest",
		ArtifactURI: uri, DatasetID: &datasetID,
	})
	require.NoError(t, err)
	return id
}

func inferenceJob(t *testing.T, f *fixture, modelID, repoID int64, hash string) (int64, domain.TaskPayload) {
	t.Helper()
	ref, _ := json.Marshal(domain.InputReference{RepoID: repoID, CommitHash: hash})
	cfg, err := json.Marshal(domain.InferenceConfig{ModelID: modelID, InputReference: ref})
	require.NoError(t, err)
	jobID, err := f.jobs.Create(context.Background(), domain.Job{
		Kind: domain.KindInference, Status: domain.JobPending,
		Config: cfg, ModelID: &modelID, InputReference: ref,
	})
	require.NoError(t, err)
	return jobID, domain.TaskPayload{TaskID: "task-infer", JobID: jobID, Kind: domain.KindInference}
}

func TestProcessInferenceSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	modelID := f.trainModel(t, f.seedDataset(t))

	require.NoError(t, f.repos.BulkUpsertGuruMetrics(ctx, []domain.CommitGuruMetric{{
		RepositoryID: repoID, CommitHash: "abc",
		Metrics: map[string]float64{"la": 65, "ld": 23},
	}}))
	require.NoError(t, f.repos.BulkUpsertCKMetrics(ctx, []domain.CKMetric{
		{RepositoryID: repoID, CommitHash: "abc", File: "a.java", ClassName: "A", Metrics: map[string]float64{"la": 65, "ld": 23}},
		{RepositoryID: repoID, CommitHash: "abc", File: "b.java", ClassName: "B", Metrics: map[string]float64{"la": 2, "ld": 1}},
	}))

	jobID, payload := inferenceJob(t, f, modelID, repoID, "abc")
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	var pkg domain.PredictionResult
	require.NoError(t, json.Unmarshal(job.PredictionResult, &pkg))
	assert.Equal(t, 2, pkg.NumFilesAnalyzed)
	assert.Equal(t, 1, pkg.CommitPrediction)

	// Success fans out an orchestration job.
	orchJobs, err := f.jobs.List(ctx, domain.KindXAIOrchestration, 10)
	require.NoError(t, err)
	require.Len(t, orchJobs, 1)
	assert.Equal(t, jobID, *orchJobs[0].InferenceJobID)
	assert.NotEmpty(t, orchJobs[0].BrokerTaskID)
}

func TestProcessInferenceNoFeatureRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	modelID := f.trainModel(t, f.seedDataset(t))

	jobID, payload := inferenceJob(t, f, modelID, repoID, "unknown")
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Contains(t, job.StatusMessage, "no feature rows")

	// The empty package still lands on the failed row.
	var pkg domain.PredictionResult
	require.NoError(t, json.Unmarshal(job.PredictionResult, &pkg))
	assert.Equal(t, -1, pkg.CommitPrediction)
	require.NotNil(t, pkg.Error)

	// No orchestration fan-out on failure.
	orchJobs, err := f.jobs.List(ctx, domain.KindXAIOrchestration, 10)
	require.NoError(t, err)
	assert.Empty(t, orchJobs)
}

func TestOrchestrationFanOutAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	modelID := f.trainModel(t, f.seedDataset(t))
	require.NoError(t, f.repos.BulkUpsertGuruMetrics(ctx, []domain.CommitGuruMetric{{
		RepositoryID: repoID, CommitHash: "abc", Metrics: map[string]float64{"la": 65, "ld": 23},
	}}))

	infID, infPayload := inferenceJob(t, f, modelID, repoID, "abc")
	require.NoError(t, f.runner.Process(ctx, infPayload))

	// Drain the orchestration dispatch produced by the inference success.
	orchJobs, err := f.jobs.List(ctx, domain.KindXAIOrchestration, 10)
	require.NoError(t, err)
	require.Len(t, orchJobs, 1)
	orchPayload := domain.TaskPayload{
		TaskID: orchJobs[0].BrokerTaskID, JobID: orchJobs[0].ID, Kind: domain.KindXAIOrchestration,
	}
	require.NoError(t, f.runner.Process(ctx, orchPayload))

	// A tree-based model gets all five explanation types.
	results, err := f.jobs.ListXAIResults(ctx, infID)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	types := map[string]bool{}
	for _, r := range results {
		types[r.XAIType] = true
	}
	assert.True(t, types[domain.XAITypeDecisionPath])

	// A second orchestration run creates nothing new.
	secondID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindXAIOrchestration, Status: domain.JobPending,
		Config: json.RawMessage(`{}`), InferenceJobID: &infID,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-orch-2", JobID: secondID, Kind: domain.KindXAIOrchestration,
	}))
	results, err = f.jobs.ListXAIResults(ctx, infID)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestXAIWorkerExplains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	modelID := f.trainModel(t, f.seedDataset(t))
	require.NoError(t, f.repos.BulkUpsertGuruMetrics(ctx, []domain.CommitGuruMetric{{
		RepositoryID: repoID, CommitHash: "abc", Metrics: map[string]float64{"la": 65, "ld": 23},
	}}))

	infID, infPayload := inferenceJob(t, f, modelID, repoID, "abc")
	require.NoError(t, f.runner.Process(ctx, infPayload))

	resultID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindXAIResult, Status: domain.JobPending,
		Config: json.RawMessage(`{}`), InferenceJobID: &infID,
		XAIType: domain.XAITypeFeatureImportance,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-xai", JobID: resultID, Kind: domain.KindXAIResult,
	}))

	job, err := f.jobs.Get(ctx, resultID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)
	assert.NotEmpty(t, job.XAIResult)
}

func TestProcessCommitIngestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "https://github.com/a/b"})
	require.NoError(t, err)
	f.commits.detail = domain.CommitDetail{
		Author: "dev", Message: "fix npe",
		FileDiffs: []domain.CommitFileDiff{{File: "a.java", ChangeType: "modified", LinesAdded: 3}},
	}

	cfg, _ := json.Marshal(domain.CommitIngestionConfig{RepositoryID: repoID, CommitHash: "abc"})
	jobID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindCommitIngestion, Status: domain.JobPending,
		Config: cfg, RepositoryID: &repoID,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-ingest", JobID: jobID, Kind: domain.KindCommitIngestion,
	}))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	detail, err := f.repos.GetCommitDetail(ctx, repoID, "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionComplete, detail.IngestionStatus)
	assert.Equal(t, "dev", detail.Author)
	require.Len(t, detail.FileDiffs, 1)
}

func TestProcessCommitIngestionFetchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	f.commits.err = domain.ErrNotFound

	cfg, _ := json.Marshal(domain.CommitIngestionConfig{RepositoryID: repoID, CommitHash: "gone"})
	jobID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindCommitIngestion, Status: domain.JobPending,
		Config: cfg, RepositoryID: &repoID,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-ingest-2", JobID: jobID, Kind: domain.KindCommitIngestion,
	}))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)

	detail, err := f.repos.GetCommitDetail(ctx, repoID, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionFailed, detail.IngestionStatus)
}

func TestProcessMissingJobConsumesMessage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runner.Process(context.Background(), domain.TaskPayload{
		TaskID: "t", JobID: 999, Kind: domain.KindTraining,
	}))
}

func TestHPSearchProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	datasetID := f.seedDataset(t)

	low, high := 2.0, 10.0
	cfg, err := json.Marshal(domain.HPSearchConfig{
		StudyName: "s1", ModelType: "sklearn_randomforest",
		NTrials: 3, Sampler: "random", CVFolds: 3,
		SearchSpace: map[string]domain.ParamDist{
			"n_estimators": {Type: "int", Low: &low, High: &high},
		},
		RetrainBest:    true,
		ModelName:      "jit-rf-tuned",
		FeatureColumns: []string{"la", "ld"},
		TargetColumn:   "is_buggy",
		RandomSeed:     11,
	})
	require.NoError(t, err)
	jobID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindHPSearch, Status: domain.JobPending,
		Config: cfg, DatasetID: &datasetID, StudyName: "s1",
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-hp", JobID: jobID, Kind: domain.KindHPSearch,
	}))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)
	require.NotNil(t, job.BestTrialID)
	require.NotNil(t, job.BestValue)
	assert.NotEmpty(t, job.BestParams)

	m, err := f.models.FindByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "jit-rf-tuned", m.Name)
	assert.NotEmpty(t, m.ArtifactURI)
}

func seedCommitChain(t *testing.T, f *fixture, repoID int64, n int) {
	t.Helper()
	ctx := context.Background()
	ms := make([]domain.CommitGuruMetric, 0, n)
	for i := 0; i < n; i++ {
		author := "dev"
		if i >= 10 && i < 15 {
			author = "dep-bot"
		}
		parent := ""
		if i > 0 {
			parent = fmt.Sprintf("c%03d", i-1)
		}
		ms = append(ms, domain.CommitGuruMetric{
			RepositoryID: repoID,
			CommitHash:   fmt.Sprintf("c%03d", i),
			ParentHashes: parent,
			AuthorName:   author,
			IsBuggy:      i%4 == 0,
			Metrics:      map[string]float64{"la": float64(10 + i), "ld": float64(i % 7)},
		})
	}
	require.NoError(t, f.repos.BulkUpsertGuruMetrics(ctx, ms))
}

func datasetGenJob(t *testing.T, f *fixture, repoID int64) (int64, int64, domain.TaskPayload) {
	t.Helper()
	ctx := context.Background()
	cfg := domain.DatasetGenConfig{
		RepositoryID:   repoID,
		FeatureColumns: []string{"la", "ld", "la_delta"},
		TargetColumn:   "is_buggy",
		CleaningRules: []domain.CleaningRuleConfig{
			{Name: "filter_bot_authors"},
			{Name: "drop_duplicates"},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	datasetID, err := f.datasets.Create(ctx, domain.Dataset{
		RepositoryID: repoID, Name: "d", Status: domain.DatasetPending, Config: raw,
	})
	require.NoError(t, err)
	jobID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindDatasetGen, Status: domain.JobPending,
		Config: raw, DatasetID: &datasetID, RepositoryID: &repoID,
	})
	require.NoError(t, err)
	return jobID, datasetID, domain.TaskPayload{TaskID: "task-gen", JobID: jobID, Kind: domain.KindDatasetGen}
}

func TestProcessDatasetGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	_, err = f.repos.CreateBotPattern(ctx, domain.BotPattern{
		Pattern: "dep-bot", Type: domain.BotPatternExact,
	})
	require.NoError(t, err)
	seedCommitChain(t, f, repoID, 70)

	jobID, datasetID, payload := datasetGenJob(t, f, repoID)
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	ds, err := f.datasets.Get(ctx, datasetID)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetReady, ds.Status)
	// 70 commits minus the rootless first and the 5 bot-authored ones.
	assert.Equal(t, int64(64), ds.NumRows)
	assert.NotEmpty(t, ds.StorageURI)
	assert.NotEmpty(t, ds.BackgroundSampleURI)

	data, err := f.artifacts.Read(ctx, ds.StorageURI)
	require.NoError(t, err)
	frame := &tabular.Frame{}
	require.NoError(t, json.Unmarshal(data, frame))
	assert.Equal(t, 64, frame.NumRows())
	for _, c := range []string{"commit_hash", "la", "ld", "la_delta", "is_buggy"} {
		assert.True(t, frame.Has(c), "missing column %s", c)
	}
	// Deltas against the first parent: la grows by one per commit.
	v, ok := frame.Float(0, "la_delta")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestProcessDatasetGenerationSmallSkipsBackgroundSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	seedCommitChain(t, f, repoID, 10)

	jobID, datasetID, payload := datasetGenJob(t, f, repoID)
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	ds, err := f.datasets.Get(ctx, datasetID)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetReady, ds.Status)
	assert.NotEmpty(t, ds.StorageURI)
	assert.Empty(t, ds.BackgroundSampleURI)
}

func TestProcessDatasetGenerationEmptyRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)

	jobID, datasetID, payload := datasetGenJob(t, f, repoID)
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)

	ds, err := f.datasets.Get(ctx, datasetID)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetFailed, ds.Status)
}

func TestProcessDatasetGenerationRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	seedCommitChain(t, f, repoID, 70)

	jobID, datasetID, payload := datasetGenJob(t, f, repoID)
	require.NoError(t, f.tasks.Revoke(ctx, payload.TaskID, false, ""))
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRevoked, job.Status)

	ds, err := f.datasets.Get(ctx, datasetID)
	require.NoError(t, err)
	assert.Equal(t, domain.DatasetFailed, ds.Status)
	assert.Equal(t, "generation revoked", ds.StatusMessage)
}

func TestOrchestrationSkipsChildLostToConcurrentCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "u"})
	require.NoError(t, err)
	modelID := f.trainModel(t, f.seedDataset(t))
	require.NoError(t, f.repos.BulkUpsertGuruMetrics(ctx, []domain.CommitGuruMetric{{
		RepositoryID: repoID, CommitHash: "abc", Metrics: map[string]float64{"la": 65, "ld": 23},
	}}))

	infID, infPayload := inferenceJob(t, f, modelID, repoID, "abc")
	require.NoError(t, f.runner.Process(ctx, infPayload))
	orchJobs, err := f.jobs.List(ctx, domain.KindXAIOrchestration, 10)
	require.NoError(t, err)
	require.Len(t, orchJobs, 1)

	// A concurrent orchestrator wins the unique index race on the first
	// child insert; the loser sees the repo's conflict error and moves on.
	f.jobs.createErr = fmt.Errorf(
		`op=job.create: %w: duplicate key value violates unique constraint "jobs_xai_unique"`,
		domain.ErrConflict)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: orchJobs[0].BrokerTaskID, JobID: orchJobs[0].ID, Kind: domain.KindXAIOrchestration,
	}))

	job, err := f.jobs.Get(ctx, orchJobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	// The remaining four types were created and dispatched.
	results, err := f.jobs.ListXAIResults(ctx, infID)
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestTrainingRetriesVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	datasetID := f.seedDataset(t)
	f.trainModel(t, datasetID) // registers jit-rf v1
	jobID, payload := trainingJob(t, f, datasetID)

	// A concurrent training takes the computed version first; the retry
	// re-reads MaxVersion and lands on the next free slot.
	f.models.createErr = fmt.Errorf("op=model.create: %w: duplicate key", domain.ErrConflict)
	require.NoError(t, f.runner.Process(ctx, payload))

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, job.Status)

	m, err := f.models.FindByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Version)
	assert.NotEmpty(t, m.ArtifactURI)
}

func TestProcessCommitIngestionKeepsRequestedHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repoID, err := f.repos.Create(ctx, domain.Repository{Name: "r", GitURL: "https://github.com/a/b"})
	require.NoError(t, err)
	f.commits.detail = domain.CommitDetail{Author: "dev", Message: "fix npe"}
	f.commits.fullSHA = "abc1234567890abcdef1234567890abcdef12345"

	cfg, _ := json.Marshal(domain.CommitIngestionConfig{RepositoryID: repoID, CommitHash: "abc1234"})
	jobID, err := f.jobs.Create(ctx, domain.Job{
		Kind: domain.KindCommitIngestion, Status: domain.JobPending,
		Config: cfg, RepositoryID: &repoID,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Process(ctx, domain.TaskPayload{
		TaskID: "task-ingest-abbrev", JobID: jobID, Kind: domain.KindCommitIngestion,
	}))

	// The completed row stays under the requested hash even though the
	// provider answered with the full SHA.
	detail, err := f.repos.GetCommitDetail(ctx, repoID, "abc1234")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionComplete, detail.IngestionStatus)
	_, err = f.repos.GetCommitDetail(ctx, repoID, f.commits.fullSHA)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
