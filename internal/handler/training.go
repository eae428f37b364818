package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/ml"
	"github.com/riskline/defector/internal/tabular"
)

// Training fits a model on a ready dataset, registers a Model row and writes
// the artifact. The row is created before the artifact write; a write
// failure leaves it without artifact_uri, which blocks inference submission.
type Training struct {
	deps Deps
}

func (*Training) Kind() domain.JobKind { return domain.KindTraining }

func (t *Training) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	var cfg domain.TrainingConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}

	frame, y, err := t.loadTrainingData(ctx, job, cfg.FeatureColumns, cfg.TargetColumn)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	X, err := ml.Matrix(frame, cfg.FeatureColumns)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if t.deps.revoked(ctx, taskID) {
		return domain.TerminalUpdate{}, nil, domain.ErrCancelled
	}

	_ = t.deps.Tasks.SetProgress(ctx, taskID, 30, "fitting model")
	model, metrics, seconds, err := fitAndEvaluate(cfg, X, y)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}
	if t.deps.revoked(ctx, taskID) {
		return domain.TerminalUpdate{}, nil, domain.ErrCancelled
	}

	_ = t.deps.Tasks.SetProgress(ctx, taskID, 80, "persisting model")
	modelID, version, err := persistModel(ctx, t.deps, persistModelArgs{
		name:          cfg.ModelName,
		modelType:     cfg.ModelType,
		datasetID:     job.DatasetID,
		trainingJobID: &job.ID,
		hp:            cfg.Hyperparameters,
		metrics:       metrics,
		seconds:       seconds,
		model:         model,
	})
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	result, _ := json.Marshal(map[string]any{
		"model_id":      modelID,
		"model_name":    cfg.ModelName,
		"model_version": version,
		"metrics":       metrics,
	})
	upd := domain.TerminalUpdate{
		StatusMessage: fmt.Sprintf("trained %s v%d (%s)", cfg.ModelName, version, cfg.ModelType),
	}
	return upd, result, nil
}

// loadTrainingData reads the dataset artifact of a ready dataset and
// extracts the label vector.
func (t *Training) loadTrainingData(ctx context.Context, job domain.Job, features []string, target string) (*tabular.Frame, []float64, error) {
	if job.DatasetID == nil {
		return nil, nil, fmt.Errorf("job has no dataset reference: %w", domain.ErrInvalidArgument)
	}
	ds, err := t.deps.Datasets.Get(ctx, *job.DatasetID)
	if err != nil {
		return nil, nil, err
	}
	if ds.Status != domain.DatasetReady {
		return nil, nil, fmt.Errorf("dataset %d is %s, want ready: %w", ds.ID, ds.Status, domain.ErrDependency)
	}
	data, err := t.deps.Artifacts.Read(ctx, ds.StorageURI)
	if err != nil {
		return nil, nil, err
	}
	frame := &tabular.Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, nil, fmt.Errorf("decode dataset artifact: %w: %w", domain.ErrArtifact, err)
	}
	for _, c := range append(append([]string(nil), features...), target) {
		if !frame.Has(c) {
			return nil, nil, fmt.Errorf("dataset %d lacks column %q: %w", ds.ID, c, domain.ErrInvalidArgument)
		}
	}
	y, err := ml.Labels(frame, target)
	if err != nil {
		return nil, nil, err
	}
	return frame, y, nil
}

// fitAndEvaluate trains the configured strategy, scoring on a held-out split
// when test_split is set and on the training data otherwise.
func fitAndEvaluate(cfg domain.TrainingConfig, X [][]float64, y []float64) (ml.Strategy, map[string]float64, float64, error) {
	model, err := ml.New(cfg.ModelType, cfg.FeatureColumns, cfg.Hyperparameters, cfg.RandomSeed)
	if err != nil {
		return nil, nil, 0, err
	}

	trainX, evalX, trainY, evalY := X, X, y, y
	if cfg.TestSplit > 0 {
		trainX, evalX, trainY, evalY, err = ml.TrainTestSplit(X, y, cfg.TestSplit, cfg.RandomSeed)
		if err != nil {
			return nil, nil, 0, err
		}
	}

	start := time.Now()
	if err := model.Fit(trainX, trainY); err != nil {
		return nil, nil, 0, err
	}
	seconds := time.Since(start).Seconds()

	yhat, err := model.Predict(evalX)
	if err != nil {
		return nil, nil, 0, err
	}
	return model, ml.Evaluate(evalY, yhat), seconds, nil
}

type persistModelArgs struct {
	name          string
	modelType     string
	datasetID     *int64
	trainingJobID *int64
	hpSearchJobID *int64
	hp            map[string]json.RawMessage
	metrics       map[string]float64
	seconds       float64
	model         ml.Strategy
}

// persistModel registers the Model row, writes the artifact and records the
// URI. An artifact write failure after row creation is a logged CRITICAL
// inconsistency; the row stays without artifact_uri and the job fails.
// Version assignment is read-then-insert under UNIQUE(name, version); losing
// that race surfaces as ErrConflict and re-reads the next free version.
func persistModel(ctx context.Context, deps Deps, args persistModelArgs) (int64, int, error) {
	perf := map[string]any{"training_time_seconds": args.seconds}
	for k, v := range args.metrics {
		perf[k] = v
	}
	perfJSON, _ := json.Marshal(perf)
	hpJSON, _ := json.Marshal(args.hp)

	var modelID int64
	var version int
	for attempt := 0; ; attempt++ {
		maxVersion, err := deps.Models.MaxVersion(ctx, args.name)
		if err != nil {
			return 0, 0, err
		}
		version = maxVersion + 1

		modelID, err = deps.Models.Create(ctx, domain.Model{
			Name:               args.name,
			Version:            version,
			ModelType:          args.modelType,
			DatasetID:          args.datasetID,
			TrainingJobID:      args.trainingJobID,
			HPSearchJobID:      args.hpSearchJobID,
			Hyperparameters:    hpJSON,
			PerformanceMetrics: perfJSON,
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConflict) && attempt < 2 {
			observability.LoggerFromContext(ctx).Warn("model version taken, retrying",
				slog.String("name", args.name), slog.Int("version", version))
			continue
		}
		return 0, 0, err
	}

	artifact, err := args.model.Save()
	if err != nil {
		return 0, 0, err
	}
	uri := deps.Artifacts.ModelURI(args.name, version)
	if err := deps.Artifacts.Write(ctx, uri, artifact); err != nil {
		observability.LoggerFromContext(ctx).Error("CRITICAL: model row exists without artifact",
			slog.Int64("model_id", modelID), slog.String("uri", uri), slog.Any("error", err))
		return 0, 0, fmt.Errorf("model %d artifact write: %w", modelID, err)
	}
	if err := deps.Models.SetArtifactURI(ctx, modelID, uri); err != nil {
		return 0, 0, err
	}
	return modelID, version, nil
}
