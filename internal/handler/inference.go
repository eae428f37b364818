package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
)

// Inference scores one commit against a registered model and aggregates the
// per-file predictions into the commit-level package. On success it enqueues
// an explanation-orchestration job for the fan-out.
type Inference struct {
	deps Deps
}

func (*Inference) Kind() domain.JobKind { return domain.KindInference }

func (inf *Inference) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	var cfg domain.InferenceConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode config: %w: %w", domain.ErrInvalidArgument, err)
	}
	var ref domain.InputReference
	if err := json.Unmarshal(cfg.InputReference, &ref); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode input_reference: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(ref); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("input_reference: %w: %w", domain.ErrInvalidArgument, err)
	}

	model, strategy, err := loadModelStrategy(ctx, inf.deps, cfg.ModelID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	_ = inf.deps.Tasks.SetProgress(ctx, taskID, 40, "loading commit features")
	rows, X, err := commitFeatureRows(ctx, inf.deps, ref.RepoID, ref.CommitHash, strategy.FeatureNames())
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if len(rows) == 0 {
		// The empty package still lands on the row; the job itself fails.
		pkg := domain.AggregatePredictions(nil, false)
		raw, _ := json.Marshal(pkg)
		return domain.TerminalUpdate{PredictionResult: raw}, nil,
			fmt.Errorf("no feature rows for repo %d commit %s: %w", ref.RepoID, ref.CommitHash, domain.ErrDependency)
	}
	if inf.deps.revoked(ctx, taskID) {
		return domain.TerminalUpdate{}, nil, domain.ErrCancelled
	}

	_ = inf.deps.Tasks.SetProgress(ctx, taskID, 70, "predicting")
	labels, err := strategy.Predict(X)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	var probs []float64
	hasProba := false
	if pp, ok := strategy.(ml.ProbaPredictor); ok {
		probs, err = pp.PredictProba(X)
		if err != nil {
			return domain.TerminalUpdate{}, nil, err
		}
		hasProba = true
	}

	details := make([]domain.FilePrediction, len(rows))
	for i, row := range rows {
		details[i] = domain.FilePrediction{
			File:       row.file,
			ClassName:  row.class,
			Prediction: int(labels[i]),
		}
		if hasProba {
			details[i].Probability = probs[i]
		}
	}
	pkg := domain.AggregatePredictions(details, hasProba)
	raw, err := json.Marshal(pkg)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	upd := domain.TerminalUpdate{
		StatusMessage: fmt.Sprintf("scored %d rows with model %s v%d",
			pkg.NumFilesAnalyzed, model.Name, model.Version),
		PredictionResult: raw,
	}
	return upd, raw, nil
}

// AfterSuccess enqueues the explanation-orchestration job. Runs after the
// terminal CAS so the orchestrator observes a terminal inference row.
func (inf *Inference) AfterSuccess(ctx context.Context, job domain.Job) error {
	orchID, err := inf.deps.Jobs.Create(ctx, domain.Job{
		Kind:           domain.KindXAIOrchestration,
		Status:         domain.JobPending,
		Config:         json.RawMessage(`{}`),
		InferenceJobID: &job.ID,
	})
	if err != nil {
		return err
	}
	orchTaskID, err := inf.deps.Queue.Enqueue(ctx, domain.KindXAIOrchestration, orchID)
	if err != nil {
		if _, casErr := inf.deps.Jobs.CASTerminal(ctx, orchID, domain.JobPending, domain.JobFailed,
			domain.TerminalUpdate{StatusMessage: truncate("enqueue failed: "+err.Error(), statusMessageLimit)}); casErr != nil {
			observability.LoggerFromContext(ctx).Error("orchestration compensation failed",
				slog.Int64("job_id", orchID), slog.Any("error", casErr))
		}
		return err
	}
	return inf.deps.Jobs.SetBrokerTaskID(ctx, orchID, orchTaskID)
}

// loadModelStrategy loads a model row and restores its fitted strategy. A
// row without artifact_uri cannot serve inference.
func loadModelStrategy(ctx context.Context, deps Deps, modelID int64) (domain.Model, ml.Strategy, error) {
	model, err := deps.Models.Get(ctx, modelID)
	if err != nil {
		return domain.Model{}, nil, err
	}
	if model.ArtifactURI == "" {
		return domain.Model{}, nil, fmt.Errorf("model %d has no artifact: %w", modelID, domain.ErrDependency)
	}
	data, err := deps.Artifacts.Read(ctx, model.ArtifactURI)
	if err != nil {
		return domain.Model{}, nil, err
	}
	strategy, err := ml.LoadArtifact(data)
	if err != nil {
		return domain.Model{}, nil, err
	}
	return model, strategy, nil
}

type featureRow struct {
	file  string
	class *string
}

// commitFeatureRows builds the per-file feature matrix for one commit:
// class-level metrics fan out per (file, class) and shadow commit-level
// metrics; commits without class metrics contribute one commit-level row.
// Rows missing any model feature are skipped.
func commitFeatureRows(ctx context.Context, deps Deps, repoID int64, commitHash string, features []string) ([]featureRow, [][]float64, error) {
	guru, err := deps.Repositories.GetGuruMetric(ctx, repoID, commitHash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	cks, err := deps.Repositories.ListCKMetrics(ctx, repoID, commitHash)
	if err != nil {
		return nil, nil, err
	}

	var rows []featureRow
	var X [][]float64
	appendRow := func(fr featureRow, ck map[string]float64) {
		vec := make([]float64, len(features))
		for i, f := range features {
			if v, ok := ck[f]; ok {
				vec[i] = v
				continue
			}
			v, ok := guru.Metrics[f]
			if !ok {
				return
			}
			vec[i] = v
		}
		rows = append(rows, fr)
		X = append(X, vec)
	}

	if len(cks) == 0 {
		appendRow(featureRow{}, nil)
		return rows, X, nil
	}
	for _, ck := range cks {
		fr := featureRow{file: ck.File}
		if ck.ClassName != "" {
			class := ck.ClassName
			fr.class = &class
		}
		appendRow(fr, ck.Metrics)
	}
	return rows, X, nil
}
