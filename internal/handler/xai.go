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
	"github.com/riskline/defector/internal/tabular"
	"github.com/riskline/defector/internal/xai"
)

// XAIOrchestration fans a successful inference out into one xai_result job
// per applicable explanation type. Creation is idempotent on
// (inference_job_id, xai_type); re-runs dispatch only the rows they created.
type XAIOrchestration struct {
	deps Deps
}

func (*XAIOrchestration) Kind() domain.JobKind { return domain.KindXAIOrchestration }

func (o *XAIOrchestration) Execute(ctx context.Context, job domain.Job, _ string) (domain.TerminalUpdate, json.RawMessage, error) {
	log := observability.LoggerFromContext(ctx)
	if job.InferenceJobID == nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("orchestration job has no inference reference: %w", domain.ErrInvalidArgument)
	}
	infJob, err := o.deps.Jobs.Get(ctx, *job.InferenceJobID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if infJob.Status != domain.JobSuccess {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("inference job %d is %s, want success: %w",
			infJob.ID, infJob.Status, domain.ErrDependency)
	}

	var cfg domain.InferenceConfig
	if err := json.Unmarshal(infJob.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode inference config: %w: %w", domain.ErrInvalidArgument, err)
	}
	model, err := o.deps.Models.Get(ctx, cfg.ModelID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	desc, err := ml.Lookup(model.ModelType)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	types := []string{
		domain.XAITypeSHAP, domain.XAITypeLIME,
		domain.XAITypeFeatureImportance, domain.XAITypeCounterfactual,
	}
	if desc.TreeBased {
		types = append(types, domain.XAITypeDecisionPath)
	}

	var dispatched, failed int
	for _, typ := range types {
		existing, err := o.deps.Jobs.FindXAIResult(ctx, infJob.ID, typ)
		if err == nil {
			log.Debug("xai result already exists",
				slog.Int64("inference_job_id", infJob.ID), slog.String("xai_type", typ),
				slog.Int64("job_id", existing.ID))
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.TerminalUpdate{}, nil, err
		}

		resultID, err := o.deps.Jobs.Create(ctx, domain.Job{
			Kind:           domain.KindXAIResult,
			Status:         domain.JobPending,
			Config:         json.RawMessage(`{}`),
			InferenceJobID: &infJob.ID,
			XAIType:        typ,
		})
		if err != nil {
			// A concurrent orchestrator can win the unique index race.
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return domain.TerminalUpdate{}, nil, err
		}

		taskID, err := o.deps.Queue.Enqueue(ctx, domain.KindXAIResult, resultID)
		if err != nil {
			failed++
			if _, casErr := o.deps.Jobs.CASTerminal(ctx, resultID, domain.JobPending, domain.JobFailed,
				domain.TerminalUpdate{StatusMessage: truncate("dispatch failed: "+err.Error(), statusMessageLimit)}); casErr != nil {
				log.Error("failed to mark undispatched xai result",
					slog.Int64("job_id", resultID), slog.Any("error", casErr))
			}
			continue
		}
		if err := o.deps.Jobs.SetBrokerTaskID(ctx, resultID, taskID); err != nil {
			return domain.TerminalUpdate{}, nil, err
		}
		dispatched++
	}

	msg := fmt.Sprintf("dispatched %d/%d explanation jobs", dispatched, len(types))
	if failed > 0 {
		msg += fmt.Sprintf(" (%d dispatch failures)", failed)
	}
	result, _ := json.Marshal(map[string]any{
		"inference_job_id": infJob.ID,
		"types":            types,
		"dispatched":       dispatched,
		"failed":           failed,
	})
	return domain.TerminalUpdate{StatusMessage: msg}, result, nil
}

// XAIWorker produces one explanation: it restores the model, rebuilds the
// commit's feature rows, picks the riskiest row as the explained instance
// and runs the strategy for the job's xai_type.
type XAIWorker struct {
	deps Deps
}

func (*XAIWorker) Kind() domain.JobKind { return domain.KindXAIResult }

func (w *XAIWorker) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	if job.InferenceJobID == nil || job.XAIType == "" {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("xai job lacks inference reference or type: %w", domain.ErrInvalidArgument)
	}
	explainer, err := xai.Lookup(job.XAIType)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	infJob, err := w.deps.Jobs.Get(ctx, *job.InferenceJobID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	var cfg domain.InferenceConfig
	if err := json.Unmarshal(infJob.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode inference config: %w: %w", domain.ErrInvalidArgument, err)
	}
	var ref domain.InputReference
	if err := json.Unmarshal(cfg.InputReference, &ref); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode input_reference: %w: %w", domain.ErrInvalidArgument, err)
	}

	model, strategy, err := loadModelStrategy(ctx, w.deps, cfg.ModelID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if explainer.RequiresTreeModel() && !strategy.TreeBased() {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("%s does not apply to %s: %w",
			job.XAIType, strategy.ModelType(), domain.ErrInvalidArgument)
	}

	_, X, err := commitFeatureRows(ctx, w.deps, ref.RepoID, ref.CommitHash, strategy.FeatureNames())
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if len(X) == 0 {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("no feature rows for repo %d commit %s: %w",
			ref.RepoID, ref.CommitHash, domain.ErrDependency)
	}
	if w.deps.revoked(ctx, taskID) {
		return domain.TerminalUpdate{}, nil, domain.ErrCancelled
	}

	instance, err := riskiestInstance(strategy, X)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	background, err := w.loadBackground(ctx, model, strategy.FeatureNames(), X)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	_ = w.deps.Tasks.SetProgress(ctx, taskID, 60, "computing "+job.XAIType)
	result, err := explainer.Explain(strategy, instance, background)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	upd := domain.TerminalUpdate{
		StatusMessage: fmt.Sprintf("%s explanation for inference %d", job.XAIType, infJob.ID),
		XAIResult:     result,
	}
	return upd, result, nil
}

// riskiestInstance picks the row with the highest bug probability, falling
// back to the first row for strategies without probabilities.
func riskiestInstance(strategy ml.Strategy, X [][]float64) ([]float64, error) {
	pp, ok := strategy.(ml.ProbaPredictor)
	if !ok {
		return X[0], nil
	}
	probs, err := pp.PredictProba(X)
	if err != nil {
		return nil, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return X[best], nil
}

// loadBackground prefers the training dataset's background sample and falls
// back to the inference rows themselves when it is absent or unusable.
func (w *XAIWorker) loadBackground(ctx context.Context, model domain.Model, features []string, fallback [][]float64) ([][]float64, error) {
	if model.DatasetID == nil {
		return fallback, nil
	}
	ds, err := w.deps.Datasets.Get(ctx, *model.DatasetID)
	if err != nil || ds.BackgroundSampleURI == "" {
		return fallback, nil
	}
	data, err := w.deps.Artifacts.Read(ctx, ds.BackgroundSampleURI)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("background sample unreadable, falling back",
			slog.String("uri", ds.BackgroundSampleURI), slog.Any("error", err))
		return fallback, nil
	}
	frame := &tabular.Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("decode background sample: %w: %w", domain.ErrArtifact, err)
	}
	for _, f := range features {
		if !frame.Has(f) {
			return fallback, nil
		}
	}
	X, err := ml.Matrix(frame, features)
	if err != nil {
		return fallback, nil
	}
	return X, nil
}
