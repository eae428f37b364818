package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
)

// HPSearch runs a hyper-parameter study by cross-validated trials over a
// typed search space and optionally retrains the best configuration into a
// registered Model.
type HPSearch struct {
	deps Deps
}

func (*HPSearch) Kind() domain.JobKind { return domain.KindHPSearch }

func (h *HPSearch) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	var cfg domain.HPSearchConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}

	loader := &Training{h.deps}
	frame, y, err := loader.loadTrainingData(ctx, job, cfg.FeatureColumns, cfg.TargetColumn)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	X, err := ml.Matrix(frame, cfg.FeatureColumns)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	search := &ml.Search{
		ModelType:       cfg.ModelType,
		Features:        cfg.FeatureColumns,
		Space:           cfg.SearchSpace,
		NTrials:         cfg.NTrials,
		Sampler:         cfg.Sampler,
		ObjectiveMetric: cfg.ObjectiveMetric,
		CVFolds:         cfg.CVFolds,
		EnablePruning:   cfg.EnablePruning,
		Seed:            cfg.RandomSeed,
		OnTrial: func(t ml.Trial) error {
			if h.deps.revoked(ctx, taskID) {
				return fmt.Errorf("revoked after trial %d: %w", t.Number, domain.ErrCancelled)
			}
			if cfg.NTrials > 0 {
				percent := 80 * (t.Number + 1) / cfg.NTrials
				_ = h.deps.Tasks.SetProgress(ctx, taskID, percent,
					fmt.Sprintf("trial %d/%d value=%.4f", t.Number+1, cfg.NTrials, t.Value))
			}
			return nil
		},
	}

	res, err := search.Run(X, y)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	best := res.BestTrial
	bestParams, _ := json.Marshal(best.Params)
	bestTrialID := int64(best.Number)
	upd := domain.TerminalUpdate{
		StatusMessage: fmt.Sprintf("study %s: best trial %d value=%.4f over %d trials",
			cfg.StudyName, best.Number, best.Value, len(res.Trials)),
		BestTrialID: &bestTrialID,
		BestParams:  bestParams,
		BestValue:   &best.Value,
	}

	resultDoc := map[string]any{
		"study_name":  cfg.StudyName,
		"best_trial":  best.Number,
		"best_value":  best.Value,
		"best_params": best.Params,
		"n_trials":    len(res.Trials),
	}

	if cfg.RetrainBest {
		if h.deps.revoked(ctx, taskID) {
			return upd, nil, domain.ErrCancelled
		}
		_ = h.deps.Tasks.SetProgress(ctx, taskID, 90, "retraining best configuration")
		modelName := cfg.ModelName
		if modelName == "" {
			modelName = cfg.StudyName
		}
		modelID, version, err := h.retrainBest(ctx, job, cfg, modelName, best.Params, X, y)
		if err != nil {
			// The study itself succeeded; surface the retrain failure.
			return upd, nil, fmt.Errorf("retrain best: %w", err)
		}
		resultDoc["model_id"] = modelID
		resultDoc["model_version"] = version
		upd.StatusMessage += fmt.Sprintf("; registered %s v%d", modelName, version)
	}

	result, _ := json.Marshal(resultDoc)
	return upd, result, nil
}

func (h *HPSearch) retrainBest(ctx context.Context, job domain.Job, cfg domain.HPSearchConfig, modelName string, params map[string]json.RawMessage, X [][]float64, y []float64) (int64, int, error) {
	trainCfg := domain.TrainingConfig{
		ModelName:       modelName,
		ModelType:       cfg.ModelType,
		Hyperparameters: params,
		FeatureColumns:  cfg.FeatureColumns,
		TargetColumn:    cfg.TargetColumn,
		RandomSeed:      cfg.RandomSeed,
	}
	model, metrics, seconds, err := fitAndEvaluate(trainCfg, X, y)
	if err != nil {
		return 0, 0, err
	}
	return persistModel(ctx, h.deps, persistModelArgs{
		name:          modelName,
		modelType:     cfg.ModelType,
		datasetID:     job.DatasetID,
		hpSearchJobID: &job.ID,
		hp:            params,
		metrics:       metrics,
		seconds:       seconds,
		model:         model,
	})
}
