package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/pipeline"
	"github.com/riskline/defector/internal/pipeline/steps"
)

// DatasetGeneration drives the dataset pipeline. On failure or revocation it
// flips the dataset row accordingly and cleans up partial artifacts.
type DatasetGeneration struct {
	deps Deps
}

func (*DatasetGeneration) Kind() domain.JobKind { return domain.KindDatasetGen }

func (g *DatasetGeneration) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	rc := &pipeline.Context{
		Job:    job,
		TaskID: taskID,
		Deps:   g.deps.pipelineDeps(),
	}
	err := pipeline.Engine{}.Run(ctx, steps.DatasetGeneration(), rc)
	if err != nil {
		g.failDataset(ctx, job, err)
		upd := domain.TerminalUpdate{StatusMessage: withWarnings(err.Error(), rc.Warnings)}
		return upd, nil, err
	}

	result, _ := json.Marshal(map[string]any{
		"dataset_id": rc.Dataset.ID,
		"num_rows":   rc.Frame.NumRows(),
		"columns":    rc.FinalCols,
		"warnings":   rc.Warnings,
	})
	upd := domain.TerminalUpdate{
		StatusMessage: withWarnings(fmt.Sprintf("dataset %d ready with %d rows", rc.Dataset.ID, rc.Frame.NumRows()), rc.Warnings),
	}
	return upd, result, nil
}

// failDataset records the failure on the dataset row and removes any partial
// artifacts, best effort.
func (g *DatasetGeneration) failDataset(ctx context.Context, job domain.Job, cause error) {
	if job.DatasetID == nil {
		return
	}
	msg := truncate(cause.Error(), statusMessageLimit)
	if errors.Is(cause, domain.ErrCancelled) {
		msg = "generation revoked"
	}
	_ = g.deps.Datasets.UpdateStatus(ctx, *job.DatasetID, domain.DatasetFailed, msg)
	steps.CleanupDatasetArtifacts(ctx, g.deps.Artifacts, *job.DatasetID)
}

func withWarnings(msg string, warnings []string) string {
	if len(warnings) == 0 {
		return msg
	}
	return truncate(msg+"; warnings: "+strings.Join(warnings, "; "), statusMessageLimit)
}
