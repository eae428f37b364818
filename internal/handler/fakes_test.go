package handler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riskline/defector/internal/domain"
)

// In-memory port implementations for runner and executor tests.

type fakeJobs struct {
	mu   sync.Mutex
	seq  int64
	jobs map[int64]*domain.Job
	// createErr fails the next Create once, simulating a lost insert race.
	createErr error
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: map[int64]*domain.Job{}} }

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return 0, err
	}
	f.seq++
	j.ID = f.seq
	f.jobs[j.ID] = &j
	return j.ID, nil
}

func (f *fakeJobs) Get(_ domain.Context, id int64) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %d: %w", id, domain.ErrNotFound)
	}
	return *j, nil
}

func (f *fakeJobs) List(_ domain.Context, kind domain.JobKind, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for id := f.seq; id >= 1 && len(out) < limit; id-- {
		if j, ok := f.jobs[id]; ok && j.Kind == kind {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) CASRunning(_ domain.Context, id int64, expected domain.JobStatus, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobRunning
	j.BrokerTaskID = taskID
	j.StartedAt = &now
	return true, nil
}

func (f *fakeJobs) CASTerminal(_ domain.Context, id int64, expected, next domain.JobStatus, upd domain.TerminalUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = next
	j.StatusMessage = upd.StatusMessage
	j.BestTrialID = upd.BestTrialID
	j.BestParams = upd.BestParams
	j.BestValue = upd.BestValue
	if upd.PredictionResult != nil {
		j.PredictionResult = upd.PredictionResult
	}
	if upd.XAIResult != nil {
		j.XAIResult = upd.XAIResult
	}
	j.CompletedAt = &now
	return true, nil
}

func (f *fakeJobs) SetBrokerTaskID(_ domain.Context, id int64, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.BrokerTaskID = taskID
	}
	return nil
}

func (f *fakeJobs) AdoptTaskID(ctx domain.Context, id int64, taskID string) error {
	return f.SetBrokerTaskID(ctx, id, taskID)
}

func (f *fakeJobs) FindStudy(_ domain.Context, studyName string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := f.seq; id >= 1; id-- {
		if j, ok := f.jobs[id]; ok && j.Kind == domain.KindHPSearch && j.StudyName == studyName {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) FindXAIResult(_ domain.Context, inferenceJobID int64, xaiType string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Kind == domain.KindXAIResult && j.InferenceJobID != nil &&
			*j.InferenceJobID == inferenceJobID && j.XAIType == xaiType {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) ListXAIResults(_ domain.Context, inferenceJobID int64) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Job
	for id := int64(1); id <= f.seq; id++ {
		if j, ok := f.jobs[id]; ok && j.Kind == domain.KindXAIResult &&
			j.InferenceJobID != nil && *j.InferenceJobID == inferenceJobID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) MarkStuck(_ domain.Context, maxAge time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeJobs) CountByKindStatus(_ domain.Context) (map[domain.JobKind]map[domain.JobStatus]int64, error) {
	return nil, nil
}

type fakeModels struct {
	mu     sync.Mutex
	seq    int64
	models map[int64]*domain.Model
	// createErr fails the next Create once, simulating a lost insert race.
	createErr error
}

func newFakeModels() *fakeModels { return &fakeModels{models: map[int64]*domain.Model{}} }

func (f *fakeModels) Create(_ domain.Context, m domain.Model) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return 0, err
	}
	f.seq++
	m.ID = f.seq
	f.models[m.ID] = &m
	return m.ID, nil
}

func (f *fakeModels) Get(_ domain.Context, id int64) (domain.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return domain.Model{}, fmt.Errorf("model %d: %w", id, domain.ErrNotFound)
	}
	return *m, nil
}

func (f *fakeModels) MaxVersion(_ domain.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, m := range f.models {
		if m.Name == name && m.Version > max {
			max = m.Version
		}
	}
	return max, nil
}

func (f *fakeModels) FindByJobID(_ domain.Context, jobID int64) (domain.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.models {
		if (m.TrainingJobID != nil && *m.TrainingJobID == jobID) ||
			(m.HPSearchJobID != nil && *m.HPSearchJobID == jobID) {
			return *m, nil
		}
	}
	return domain.Model{}, domain.ErrNotFound
}

func (f *fakeModels) SetArtifactURI(_ domain.Context, id int64, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.models[id]; ok {
		m.ArtifactURI = uri
	}
	return nil
}

func (f *fakeModels) List(_ domain.Context, limit int) ([]domain.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Model
	for id := f.seq; id >= 1 && len(out) < limit; id-- {
		if m, ok := f.models[id]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeModels) Count(_ domain.Context) (int64, error) { return 0, nil }

type fakeDatasets struct {
	mu       sync.Mutex
	seq      int64
	datasets map[int64]*domain.Dataset
}

func newFakeDatasets() *fakeDatasets { return &fakeDatasets{datasets: map[int64]*domain.Dataset{}} }

func (f *fakeDatasets) Create(_ domain.Context, d domain.Dataset) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	d.ID = f.seq
	f.datasets[d.ID] = &d
	return d.ID, nil
}

func (f *fakeDatasets) Get(_ domain.Context, id int64) (domain.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[id]
	if !ok {
		return domain.Dataset{}, fmt.Errorf("dataset %d: %w", id, domain.ErrNotFound)
	}
	return *d, nil
}

func (f *fakeDatasets) UpdateStatus(_ domain.Context, id int64, status domain.DatasetStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.datasets[id]; ok {
		d.Status = status
		d.StatusMessage = message
	}
	return nil
}

func (f *fakeDatasets) SetReady(_ domain.Context, id int64, storageURI, backgroundURI string, numRows int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.datasets[id]; ok {
		d.Status = domain.DatasetReady
		d.StorageURI = storageURI
		d.BackgroundSampleURI = backgroundURI
		d.NumRows = numRows
	}
	return nil
}

func (f *fakeDatasets) List(_ domain.Context, limit int) ([]domain.Dataset, error) { return nil, nil }
func (f *fakeDatasets) Count(_ domain.Context) (int64, error)                      { return 0, nil }

type fakeRepos struct {
	mu       sync.Mutex
	seq      int64
	repos    map[int64]*domain.Repository
	patterns []domain.BotPattern
	guru     map[string]domain.CommitGuruMetric
	ck       map[string][]domain.CKMetric
	commits  map[string]*domain.CommitDetail
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{
		repos:   map[int64]*domain.Repository{},
		guru:    map[string]domain.CommitGuruMetric{},
		ck:      map[string][]domain.CKMetric{},
		commits: map[string]*domain.CommitDetail{},
	}
}

func commitKey(repoID int64, hash string) string { return fmt.Sprintf("%d/%s", repoID, hash) }

func (f *fakeRepos) Create(_ domain.Context, r domain.Repository) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r.ID = f.seq
	f.repos[r.ID] = &r
	return r.ID, nil
}

func (f *fakeRepos) Get(_ domain.Context, id int64) (domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[id]
	if !ok {
		return domain.Repository{}, fmt.Errorf("repository %d: %w", id, domain.ErrNotFound)
	}
	return *r, nil
}

func (f *fakeRepos) List(_ domain.Context, limit int) ([]domain.Repository, error) { return nil, nil }
func (f *fakeRepos) Delete(_ domain.Context, id int64) error                       { return nil }

func (f *fakeRepos) ListBotPatterns(_ domain.Context, repositoryID int64) ([]domain.BotPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BotPattern
	for _, p := range f.patterns {
		if p.RepositoryID == nil || *p.RepositoryID == repositoryID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepos) CreateBotPattern(_ domain.Context, p domain.BotPattern) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, p)
	return int64(len(f.patterns)), nil
}

func (f *fakeRepos) BulkUpsertGuruMetrics(_ domain.Context, ms []domain.CommitGuruMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		f.guru[commitKey(m.RepositoryID, m.CommitHash)] = m
	}
	return nil
}

func (f *fakeRepos) GetGuruMetric(_ domain.Context, repositoryID int64, commitHash string) (domain.CommitGuruMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.guru[commitKey(repositoryID, commitHash)]
	if !ok {
		return domain.CommitGuruMetric{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeRepos) ListGuruMetrics(_ domain.Context, repositoryID int64, offset, limit int) ([]domain.CommitGuruMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.CommitGuruMetric
	for _, m := range f.guru {
		if m.RepositoryID == repositoryID {
			all = append(all, m)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeRepos) CountGuruMetrics(_ domain.Context, repositoryID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.guru {
		if m.RepositoryID == repositoryID {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepos) BulkUpsertCKMetrics(_ domain.Context, ms []domain.CKMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		key := commitKey(m.RepositoryID, m.CommitHash)
		f.ck[key] = append(f.ck[key], m)
	}
	return nil
}

func (f *fakeRepos) ListCKMetrics(_ domain.Context, repositoryID int64, commitHash string) ([]domain.CKMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ck[commitKey(repositoryID, commitHash)], nil
}

func (f *fakeRepos) GetCommitDetail(_ domain.Context, repositoryID int64, commitHash string) (domain.CommitDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.commits[commitKey(repositoryID, commitHash)]
	if !ok {
		return domain.CommitDetail{}, domain.ErrNotFound
	}
	return *d, nil
}

func (f *fakeRepos) UpsertCommitDetail(_ domain.Context, d domain.CommitDetail) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := commitKey(d.RepositoryID, d.CommitHash)
	if existing, ok := f.commits[key]; ok {
		d.ID = existing.ID
	} else {
		f.seq++
		d.ID = f.seq
	}
	f.commits[key] = &d
	return d.ID, nil
}

func (f *fakeRepos) SetIngestionStatus(_ domain.Context, repositoryID int64, commitHash string, st domain.IngestionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.commits[commitKey(repositoryID, commitHash)]; ok {
		d.IngestionStatus = st
	}
	return nil
}

type fakeTasks struct {
	mu      sync.Mutex
	states  map[string]*domain.TaskState
	revoked map[string]bool
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{states: map[string]*domain.TaskState{}, revoked: map[string]bool{}}
}

func (f *fakeTasks) state(taskID string) *domain.TaskState {
	if st, ok := f.states[taskID]; ok {
		return st
	}
	st := &domain.TaskState{TaskID: taskID, Status: domain.TaskPending}
	f.states[taskID] = st
	return st
}

func (f *fakeTasks) SetStatus(_ domain.Context, taskID string, status domain.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state(taskID).Status = status
	return nil
}

func (f *fakeTasks) SetProgress(_ domain.Context, taskID string, progress int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state(taskID)
	st.Progress = progress
	st.StatusMessage = message
	return nil
}

func (f *fakeTasks) SetError(_ domain.Context, taskID string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state(taskID).Error = errMsg
	return nil
}

func (f *fakeTasks) SetResult(_ domain.Context, taskID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state(taskID).Result = result
	return nil
}

func (f *fakeTasks) Get(_ domain.Context, taskID string) (domain.TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.state(taskID), nil
}

func (f *fakeTasks) Revoke(_ domain.Context, taskID string, terminate bool, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[taskID] = true
	f.state(taskID).Status = domain.TaskRevoked
	return nil
}

func (f *fakeTasks) IsRevoked(_ domain.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[taskID], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	seq      int
	enqueued []domain.TaskPayload
	err      error
}

func (f *fakeQueue) Enqueue(_ domain.Context, kind domain.JobKind, jobID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	taskID := fmt.Sprintf("task-%d", f.seq)
	f.enqueued = append(f.enqueued, domain.TaskPayload{TaskID: taskID, JobID: jobID, Kind: kind})
	return taskID, nil
}

type fakeArtifacts struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr error
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{objects: map[string][]byte{}} }

func (f *fakeArtifacts) DatasetURI(datasetID int64) string {
	return fmt.Sprintf("mem://datasets/%d/data.json", datasetID)
}

func (f *fakeArtifacts) BackgroundSampleURI(datasetID int64) string {
	return fmt.Sprintf("mem://datasets/%d/background.json", datasetID)
}

func (f *fakeArtifacts) ModelURI(name string, version int) string {
	return fmt.Sprintf("mem://models/%s/%d/model.json", name, version)
}

func (f *fakeArtifacts) Write(_ domain.Context, uri string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.objects[uri] = append([]byte(nil), data...)
	return nil
}

func (f *fakeArtifacts) Read(_ domain.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[uri]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", uri, domain.ErrNotFound)
	}
	return data, nil
}

func (f *fakeArtifacts) Delete(_ domain.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, uri)
	return nil
}

func (f *fakeArtifacts) Exists(_ domain.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[uri]
	return ok, nil
}

type fakeCommits struct {
	detail domain.CommitDetail
	err    error
	// fullSHA, when set, is returned as the detail's hash the way providers
	// expand abbreviated hashes to the full SHA.
	fullSHA string
}

func (f *fakeCommits) FetchCommit(_ domain.Context, repo domain.Repository, commitHash string) (domain.CommitDetail, error) {
	if f.err != nil {
		return domain.CommitDetail{}, f.err
	}
	d := f.detail
	d.RepositoryID = repo.ID
	d.CommitHash = commitHash
	if f.fullSHA != "" {
		d.CommitHash = f.fullSHA
	}
	return d, nil
}
