package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/usecase"
)

// Server exposes the control-plane API over the application service.
type Server struct {
	Svc *usecase.Service
}

// New constructs a Server.
func New(svc *usecase.Service) *Server { return &Server{Svc: svc} }

func urlID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, domain.ErrInvalidArgument)
	}
	return id, nil
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return 50
}

// --- repositories ---

type createRepositoryRequest struct {
	Name   string `json:"name"`
	GitURL string `json:"git_url"`
}

func (s *Server) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.Svc.CreateRepository(r.Context(), req.Name, req.GitURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	repo, err := s.Svc.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepositoryView(repo))
}

func (s *Server) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.Svc.ListRepositories(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]repositoryView, 0, len(repos))
	for _, repo := range repos {
		out = append(out, toRepositoryView(repo))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetRepository(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	repo, err := s.Svc.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepositoryView(repo))
}

func (s *Server) DeleteRepository(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Svc.DeleteRepository(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- bot patterns ---

type botPatternRequest struct {
	Pattern     string `json:"pattern"`
	Type        string `json:"type"`
	IsExclusion bool   `json:"is_exclusion"`
	Global      bool   `json:"global"`
}

func (s *Server) AddBotPattern(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req botPatternRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p := domain.BotPattern{
		Pattern:     req.Pattern,
		Type:        domain.BotPatternType(req.Type),
		IsExclusion: req.IsExclusion,
	}
	if !req.Global {
		p.RepositoryID = &repoID
	}
	id, err := s.Svc.AddBotPattern(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, toBotPatternView(p))
}

func (s *Server) ListBotPatterns(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	patterns, err := s.Svc.ListBotPatterns(r.Context(), repoID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]botPatternView, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, toBotPatternView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- metric uploads ---

type guruMetricWire struct {
	CommitHash   string             `json:"commit_hash"`
	ParentHashes string             `json:"parent_hashes"`
	AuthorName   string             `json:"author_name"`
	AuthorEmail  string             `json:"author_email"`
	AuthorDate   time.Time          `json:"author_date"`
	IsBuggy      bool               `json:"is_buggy"`
	FixHash      string             `json:"fix_hash"`
	Metrics      map[string]float64 `json:"metrics"`
}

type guruUploadRequest struct {
	Metrics []guruMetricWire `json:"metrics"`
}

func (s *Server) UploadGuruMetrics(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req guruUploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ms := make([]domain.CommitGuruMetric, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		ms = append(ms, domain.CommitGuruMetric{
			CommitHash: m.CommitHash, ParentHashes: m.ParentHashes,
			AuthorName: m.AuthorName, AuthorEmail: m.AuthorEmail,
			AuthorDate: m.AuthorDate, IsBuggy: m.IsBuggy, FixHash: m.FixHash,
			Metrics: m.Metrics,
		})
	}
	if err := s.Svc.UploadGuruMetrics(r.Context(), repoID, ms); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(ms)})
}

type ckMetricWire struct {
	CommitHash string             `json:"commit_hash"`
	File       string             `json:"file"`
	ClassName  string             `json:"class_name"`
	Metrics    map[string]float64 `json:"metrics"`
}

type ckUploadRequest struct {
	Metrics []ckMetricWire `json:"metrics"`
}

func (s *Server) UploadCKMetrics(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ckUploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ms := make([]domain.CKMetric, 0, len(req.Metrics))
	for _, m := range req.Metrics {
		ms = append(ms, domain.CKMetric{
			CommitHash: m.CommitHash, File: m.File, ClassName: m.ClassName, Metrics: m.Metrics,
		})
	}
	if err := s.Svc.UploadCKMetrics(r.Context(), repoID, ms); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": len(ms)})
}

// --- commit ingestion ---

func (s *Server) IngestCommit(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.Svc.SubmitCommitIngestion(r.Context(), repoID, chi.URLParam(r, "commitHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GetCommit serves the three-way ingestion response: complete rows carry the
// detail with a 200, in-progress rows a 202 with the task id, everything else
// a 200 with just the ingestion status.
func (s *Server) GetCommit(w http.ResponseWriter, r *http.Request) {
	repoID, err := urlID(r, "repoID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.Svc.GetCommit(r.Context(), repoID, chi.URLParam(r, "commitHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch {
	case st.Detail != nil:
		writeJSON(w, http.StatusOK, toCommitView(*st.Detail))
	case st.IngestionStatus == domain.IngestionInProgress:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"ingestion_status": string(st.IngestionStatus),
			"task_id":          st.TaskID,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"ingestion_status": string(st.IngestionStatus),
		})
	}
}

// --- datasets ---

type datasetGenRequest struct {
	Name   string                  `json:"name"`
	Config domain.DatasetGenConfig `json:"config"`
}

type datasetGenResponse struct {
	usecase.Submission
	DatasetID int64 `json:"dataset_id"`
}

func (s *Server) SubmitDatasetGeneration(w http.ResponseWriter, r *http.Request) {
	var req datasetGenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, datasetID, err := s.Svc.SubmitDatasetGeneration(r.Context(), req.Name, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, datasetGenResponse{Submission: sub, DatasetID: datasetID})
}

func (s *Server) ListDatasets(w http.ResponseWriter, r *http.Request) {
	ds, err := s.Svc.ListDatasets(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]datasetView, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDatasetView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetDataset(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "datasetID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.Svc.GetDataset(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDatasetView(d))
}

// --- models ---

func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	ms, err := s.Svc.ListModels(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]modelView, 0, len(ms))
	for _, m := range ms {
		out = append(out, toModelView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetModel(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "modelID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.Svc.GetModel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelView(m))
}

// --- ML submissions ---

type trainingRequest struct {
	DatasetID int64                 `json:"dataset_id"`
	Config    domain.TrainingConfig `json:"config"`
}

func (s *Server) SubmitTraining(w http.ResponseWriter, r *http.Request) {
	var req trainingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.Svc.SubmitTraining(r.Context(), req.DatasetID, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

type hpSearchRequest struct {
	DatasetID int64                 `json:"dataset_id"`
	Config    domain.HPSearchConfig `json:"config"`
}

func (s *Server) SubmitHPSearch(w http.ResponseWriter, r *http.Request) {
	var req hpSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.Svc.SubmitHPSearch(r.Context(), req.DatasetID, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) SubmitInference(w http.ResponseWriter, r *http.Request) {
	var cfg domain.InferenceConfig
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.Svc.SubmitInference(r.Context(), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// getJob serves one job of a fixed kind; a kind mismatch reads as not found.
func (s *Server) getJob(kind domain.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlID(r, "jobID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		view, err := s.Svc.GetJob(r.Context(), id, kind)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobDetailView(view))
	}
}

// TrainingJob serves GET /ml/train/{jobID}.
func (s *Server) TrainingJob() http.HandlerFunc { return s.getJob(domain.KindTraining) }

// HPSearchJob serves GET /ml/search/{jobID}.
func (s *Server) HPSearchJob() http.HandlerFunc { return s.getJob(domain.KindHPSearch) }

// InferenceJob serves GET /ml/infer/{jobID}.
func (s *Server) InferenceJob() http.HandlerFunc { return s.getJob(domain.KindInference) }

// --- XAI ---

func (s *Server) ListExplanations(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "jobID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.Svc.ListExplanations(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetExplanation(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "explanationID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.Svc.GetExplanation(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

// --- tasks ---

func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.Svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RevokeTask flags the task for cancellation. The handler observing the flag
// writes the terminal transition; revoking an unknown or finished task is a
// no-op and still answers 202.
func (s *Server) RevokeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	terminate := r.URL.Query().Get("terminate") == "true"
	signal := r.URL.Query().Get("signal")
	if err := s.Svc.Revoke(r.Context(), taskID, terminate, signal); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "revocation requested",
	})
}

// --- capabilities ---

func (s *Server) listCapabilities(registry domain.CapabilityRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caps, err := s.Svc.ListCapabilities(r.Context(), registry)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if caps == nil {
			caps = []domain.Capability{}
		}
		writeJSON(w, http.StatusOK, caps)
	}
}

// CleaningRules serves the cleaning-rule registry.
func (s *Server) CleaningRules() http.HandlerFunc {
	return s.listCapabilities(domain.RegistryCleaningRules)
}

// FeatureSelectionAlgorithms serves the feature-selection registry.
func (s *Server) FeatureSelectionAlgorithms() http.HandlerFunc {
	return s.listCapabilities(domain.RegistryFeatureSelection)
}

// ModelTypes serves the model-type registry.
func (s *Server) ModelTypes() http.HandlerFunc {
	return s.listCapabilities(domain.RegistryModelTypes)
}

// --- dashboard ---

func (s *Server) GetDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.Svc.GetDashboard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
