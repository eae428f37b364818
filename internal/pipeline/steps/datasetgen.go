// Package steps holds the concrete pipeline steps. Dataset generation is the
// deep pipeline: stream commit metrics in batches, enrich and clean per
// batch, then finish with global cleaning, feature selection and the
// artifact writes.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/cleaning"
	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/featureselect"
	"github.com/riskline/defector/internal/pipeline"
	"github.com/riskline/defector/internal/tabular"
)

// Identifier columns carried alongside features through the whole pipeline.
const (
	colCommitHash = "commit_hash"
	colFile       = "file"
	colClassName  = "class_name"
	colAuthorName = "author_name"

	// parentMissing marks rows whose parent commit metrics were absent; the
	// batch stage drops them before handing the batch over.
	colParentMissing = "__parent_missing"

	defaultBatchSize     = 500
	backgroundMinRows    = 50
	backgroundTargetRows = 500
)

func identifierColumns() []string {
	return []string{colCommitHash, colFile, colClassName, colAuthorName}
}

// DatasetGeneration returns the top-level strategy for dataset jobs.
func DatasetGeneration() pipeline.Strategy {
	return pipeline.Strategy{
		loadConfiguration{},
		streamBatches{},
		processGlobally{},
		selectFinalColumns{},
		writeOutput{},
	}
}

// batchStrategy returns the per-batch sub-strategy.
func batchStrategy() pipeline.Strategy {
	return pipeline.Strategy{
		filterFiles{},
		lookupParentDeltas{},
		applyBatchCleaning{},
		dropMissingParents{},
	}
}

// loadConfiguration decodes the job config and loads the dataset row, the
// repository and its bot patterns, flipping the dataset to generating.
type loadConfiguration struct{}

func (loadConfiguration) Name() string { return "load_configuration" }

func (loadConfiguration) Run(ctx context.Context, rc *pipeline.Context) error {
	if err := json.Unmarshal(rc.Job.Config, &rc.GenConfig); err != nil {
		return fmt.Errorf("decode config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if rc.Job.DatasetID == nil {
		return fmt.Errorf("job has no dataset reference: %w", domain.ErrInvalidArgument)
	}
	if err := cleaning.Validate(rc.GenConfig.CleaningRules); err != nil {
		return err
	}
	if rc.GenConfig.FeatureSelection != nil {
		if _, err := featureselect.Lookup(rc.GenConfig.FeatureSelection.Algorithm); err != nil {
			return err
		}
	}

	ds, err := rc.Deps.Datasets.Get(ctx, *rc.Job.DatasetID)
	if err != nil {
		return err
	}
	rc.Dataset = ds

	if _, err := rc.Deps.Repositories.Get(ctx, rc.GenConfig.RepositoryID); err != nil {
		return err
	}
	patterns, err := rc.Deps.Repositories.ListBotPatterns(ctx, rc.GenConfig.RepositoryID)
	if err != nil {
		return err
	}
	rc.BotPatterns = patterns

	return rc.Deps.Datasets.UpdateStatus(ctx, ds.ID, domain.DatasetGenerating, "")
}

// streamBatches is the batch orchestrator. It pages commit metrics out of the
// repository, builds one frame per page, runs the batch sub-strategy on it
// and collects the survivors. Cancellation is observed at batch boundaries.
type streamBatches struct{}

func (streamBatches) Name() string { return "stream_and_process_batches" }

func (streamBatches) Run(ctx context.Context, rc *pipeline.Context) error {
	batchSize := rc.GenConfig.BatchSize
	if batchSize <= 0 {
		batchSize = rc.Deps.BatchSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	total, err := rc.Deps.Repositories.CountGuruMetrics(ctx, rc.GenConfig.RepositoryID)
	if err != nil {
		return err
	}
	if total == 0 {
		rc.EarlyExit = true
		rc.Warn("repository %d has no commit metrics", rc.GenConfig.RepositoryID)
		return nil
	}
	numBatches := int((total + int64(batchSize) - 1) / int64(batchSize))

	engine := pipeline.Engine{}
	log := observability.LoggerFromContext(ctx)
	for b := 0; b < numBatches; b++ {
		if rc.Revoked(ctx) {
			return fmt.Errorf("revoked at batch %d/%d: %w", b+1, numBatches, domain.ErrCancelled)
		}
		metrics, err := rc.Deps.Repositories.ListGuruMetrics(ctx, rc.GenConfig.RepositoryID, b*batchSize, batchSize)
		if err != nil {
			return err
		}
		frame, err := buildBatchFrame(ctx, rc, metrics)
		if err != nil {
			return err
		}

		// The sub-strategy runs on a child context without a task id, so the
		// outer run owns all progress reporting.
		child := &pipeline.Context{
			Job:         rc.Job,
			Deps:        rc.Deps,
			GenConfig:   rc.GenConfig,
			BotPatterns: rc.BotPatterns,
			Frame:       frame,
		}
		if err := engine.Run(ctx, batchStrategy(), child); err != nil {
			return fmt.Errorf("batch %d/%d: %w", b+1, numBatches, err)
		}
		rc.Warnings = append(rc.Warnings, child.Warnings...)
		if child.Frame.NumRows() > 0 {
			rc.Batches = append(rc.Batches, child.Frame)
		}
		log.Debug("batch processed",
			slog.Int("batch", b+1), slog.Int("batches", numBatches),
			slog.Int("rows", child.Frame.NumRows()))
		rc.Progress(ctx, 0, fmt.Sprintf("processed batch %d/%d", b+1, numBatches))
	}
	if len(rc.Batches) == 0 {
		rc.EarlyExit = true
		rc.Warn("all batches empty after cleaning")
	}
	return nil
}

// buildBatchFrame turns one page of commit metrics into rows. Commits with
// class-level metrics fan out to one row per (file, class); commits without
// them contribute a single commit-level row.
func buildBatchFrame(ctx context.Context, rc *pipeline.Context, metrics []domain.CommitGuruMetric) (*tabular.Frame, error) {
	cols := append(identifierColumns(), rc.GenConfig.FeatureColumns...)
	cols = append(cols, rc.GenConfig.TargetColumn, colParentMissing)
	frame := tabular.New(cols...)

	for _, m := range metrics {
		target := 0.0
		if m.IsBuggy {
			target = 1.0
		}
		cks, err := rc.Deps.Repositories.ListCKMetrics(ctx, m.RepositoryID, m.CommitHash)
		if err != nil {
			return nil, err
		}
		if len(cks) == 0 {
			row := buildRow(cols, m, domain.CKMetric{}, target)
			if err := frame.AppendRow(row...); err != nil {
				return nil, err
			}
			continue
		}
		for _, ck := range cks {
			row := buildRow(cols, m, ck, target)
			if err := frame.AppendRow(row...); err != nil {
				return nil, err
			}
		}
	}
	return frame, nil
}

func buildRow(cols []string, m domain.CommitGuruMetric, ck domain.CKMetric, target float64) []any {
	row := make([]any, len(cols))
	for i, c := range cols {
		switch c {
		case colCommitHash:
			row[i] = m.CommitHash
		case colFile:
			if ck.File != "" {
				row[i] = ck.File
			}
		case colClassName:
			if ck.ClassName != "" {
				row[i] = ck.ClassName
			}
		case colAuthorName:
			row[i] = m.AuthorName
		case colParentMissing:
			row[i] = 0.0
		default:
			row[i] = featureValue(c, m, ck, target)
		}
	}
	return row
}

// featureValue resolves one feature cell: class-level metrics shadow
// commit-level ones; delta features stay nil until the parent lookup.
func featureValue(col string, m domain.CommitGuruMetric, ck domain.CKMetric, target float64) any {
	if strings.HasSuffix(col, "_delta") {
		return nil
	}
	if v, ok := ck.Metrics[col]; ok {
		return v
	}
	if v, ok := m.Metrics[col]; ok {
		return v
	}
	if col == "is_buggy" || strings.HasPrefix(col, "target") {
		return target
	}
	return nil
}

// filterFiles drops test and generated sources, which carry no defect signal
// for prediction.
type filterFiles struct{}

func (filterFiles) Name() string { return "filter_files" }

var skipFileFragments = []string{"/test/", "/tests/", "_test.", "Test.", "/generated/", "/vendor/"}

func (filterFiles) Run(_ context.Context, rc *pipeline.Context) error {
	rc.Frame = rc.Frame.Filter(func(i int) bool {
		file := rc.Frame.String(i, colFile)
		if file == "" {
			return true
		}
		for _, frag := range skipFileFragments {
			if strings.Contains(file, frag) {
				return false
			}
		}
		return true
	})
	return nil
}

// lookupParentDeltas joins each row to its parent commit's metrics and fills
// the configured "<base>_delta" features. Rows whose parent metrics are
// missing get flagged for removal.
type lookupParentDeltas struct{}

func (lookupParentDeltas) Name() string { return "lookup_parent_deltas" }

func (lookupParentDeltas) Run(ctx context.Context, rc *pipeline.Context) error {
	var deltaCols []string
	for _, c := range rc.GenConfig.FeatureColumns {
		if strings.HasSuffix(c, "_delta") {
			deltaCols = append(deltaCols, c)
		}
	}
	if len(deltaCols) == 0 {
		return nil
	}

	// Parent metrics repeat across file rows of one commit; cache per batch.
	parents := map[string]*domain.CommitGuruMetric{}
	lookup := func(hash string) (*domain.CommitGuruMetric, error) {
		if m, ok := parents[hash]; ok {
			return m, nil
		}
		m, err := rc.Deps.Repositories.GetGuruMetric(ctx, rc.GenConfig.RepositoryID, hash)
		if errors.Is(err, domain.ErrNotFound) {
			parents[hash] = nil
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		parents[hash] = &m
		return &m, nil
	}

	commits := map[string]*domain.CommitGuruMetric{}
	for i := 0; i < rc.Frame.NumRows(); i++ {
		hash := rc.Frame.String(i, colCommitHash)
		own, ok := commits[hash]
		if !ok {
			m, err := rc.Deps.Repositories.GetGuruMetric(ctx, rc.GenConfig.RepositoryID, hash)
			if err != nil {
				return err
			}
			own = &m
			commits[hash] = own
		}
		parentHash := firstParent(own.ParentHashes)
		var parent *domain.CommitGuruMetric
		if parentHash != "" {
			var err error
			parent, err = lookup(parentHash)
			if err != nil {
				return err
			}
		}
		if parent == nil {
			if err := rc.Frame.SetValue(i, colParentMissing, 1.0); err != nil {
				return err
			}
			continue
		}
		for _, dc := range deltaCols {
			base := strings.TrimSuffix(dc, "_delta")
			ov, ook := own.Metrics[base]
			pv, pok := parent.Metrics[base]
			if ook && pok {
				if err := rc.Frame.SetValue(i, dc, ov-pv); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func firstParent(parentHashes string) string {
	for _, h := range strings.Fields(strings.ReplaceAll(parentHashes, ",", " ")) {
		return h
	}
	return ""
}

// applyBatchCleaning runs the batch-safe subset of the configured cleaning
// rules; global rules wait for the concatenated frame.
type applyBatchCleaning struct{}

func (applyBatchCleaning) Name() string { return "apply_batch_cleaning" }

func (applyBatchCleaning) Run(_ context.Context, rc *pipeline.Context) error {
	env := cleaning.Env{BotPatterns: rc.BotPatterns, AuthorColumn: colAuthorName}
	for _, rcfg := range rc.GenConfig.CleaningRules {
		rule, err := cleaning.Lookup(rcfg.Name)
		if err != nil {
			return err
		}
		if !rule.BatchSafe() {
			continue
		}
		out, err := rule.Apply(rc.Frame, rcfg.Params, env)
		if err != nil {
			return fmt.Errorf("cleaning rule %s: %w", rcfg.Name, err)
		}
		rc.Frame = out
	}
	return nil
}

// dropMissingParents removes rows flagged by the parent lookup and retires
// the helper column.
type dropMissingParents struct{}

func (dropMissingParents) Name() string { return "drop_missing_parents" }

func (dropMissingParents) Run(_ context.Context, rc *pipeline.Context) error {
	before := rc.Frame.NumRows()
	rc.Frame = rc.Frame.Filter(func(i int) bool {
		v, _ := rc.Frame.Float(i, colParentMissing)
		return v == 0
	})
	if dropped := before - rc.Frame.NumRows(); dropped > 0 {
		rc.Warn("dropped %d rows with missing parent metrics", dropped)
	}
	rc.Frame.DropColumn(colParentMissing)
	return nil
}

// processGlobally concatenates the batches and runs the cross-batch stages:
// global cleaning rules, then feature selection.
type processGlobally struct{}

func (processGlobally) Name() string { return "process_globally" }

func (processGlobally) Run(_ context.Context, rc *pipeline.Context) error {
	if rc.EarlyExit {
		return nil
	}
	frame, err := tabular.Concat(rc.Batches...)
	if err != nil {
		return err
	}
	rc.Batches = nil
	rc.Frame = frame

	env := cleaning.Env{BotPatterns: rc.BotPatterns, AuthorColumn: colAuthorName}
	for _, rcfg := range rc.GenConfig.CleaningRules {
		rule, err := cleaning.Lookup(rcfg.Name)
		if err != nil {
			return err
		}
		if rule.BatchSafe() {
			continue
		}
		out, err := rule.Apply(rc.Frame, rcfg.Params, env)
		if err != nil {
			return fmt.Errorf("cleaning rule %s: %w", rcfg.Name, err)
		}
		rc.Frame = out
	}

	rc.FinalCols = append([]string(nil), rc.GenConfig.FeatureColumns...)
	if fs := rc.GenConfig.FeatureSelection; fs != nil && rc.Frame.NumRows() > 0 {
		algo, err := featureselect.Lookup(fs.Algorithm)
		if err != nil {
			return err
		}
		kept, err := algo.Select(rc.Frame, rc.FinalCols, fs.Params)
		if err != nil {
			return err
		}
		if len(kept) == 0 {
			return fmt.Errorf("feature selection %s kept no features: %w", fs.Algorithm, domain.ErrInvalidArgument)
		}
		rc.FinalCols = kept
	}
	if rc.Frame.NumRows() == 0 {
		rc.EarlyExit = true
		rc.Warn("no rows left after global cleaning")
	}
	return nil
}

// selectFinalColumns enforces that every selected feature and the target
// exist, then narrows the frame to identifiers + features + target.
type selectFinalColumns struct{}

func (selectFinalColumns) Name() string { return "select_final_columns" }

func (selectFinalColumns) Run(_ context.Context, rc *pipeline.Context) error {
	if rc.EarlyExit {
		return nil
	}
	want := append(append([]string(nil), rc.FinalCols...), rc.GenConfig.TargetColumn)
	for _, c := range want {
		if !rc.Frame.Has(c) {
			return fmt.Errorf("required column %q missing from generated data: %w", c, domain.ErrInvalidArgument)
		}
	}
	keep := append(identifierColumns(), want...)
	out, err := rc.Frame.Select(keep...)
	if err != nil {
		return err
	}
	rc.Frame = out
	return nil
}

// writeOutput writes the main artifact and the background sample, then flips
// the dataset to ready. A failed main write cleans up both objects; a failed
// sample write only warns.
type writeOutput struct{}

func (writeOutput) Name() string { return "write_output" }

func (writeOutput) Run(ctx context.Context, rc *pipeline.Context) error {
	if rc.EarlyExit {
		return fmt.Errorf("no rows to write: %w", domain.ErrInvalidArgument)
	}
	store := rc.Deps.Artifacts
	mainURI := store.DatasetURI(rc.Dataset.ID)
	bgURI := store.BackgroundSampleURI(rc.Dataset.ID)

	// Clear stale objects from an earlier attempt before writing.
	for _, uri := range []string{mainURI, bgURI} {
		if err := store.Delete(ctx, uri); err != nil {
			rc.Warn("pre-clear of %s failed: %v", uri, err)
		}
	}

	data, err := json.Marshal(rc.Frame)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := store.Write(ctx, mainURI, data); err != nil {
		cleanupArtifacts(ctx, rc, mainURI, bgURI)
		return err
	}

	numRows := int64(rc.Frame.NumRows())
	writtenBG := ""
	if numRows >= backgroundMinRows {
		sample := rc.Frame.Sample(backgroundTargetRows, rc.Dataset.ID)
		bgData, err := json.Marshal(sample)
		if err == nil {
			err = store.Write(ctx, bgURI, bgData)
		}
		if err != nil {
			rc.Warn("background sample write failed: %v", err)
		} else {
			writtenBG = bgURI
		}
	}

	return rc.Deps.Datasets.SetReady(ctx, rc.Dataset.ID, mainURI, writtenBG, numRows)
}

// cleanupArtifacts removes both dataset objects, best effort.
func cleanupArtifacts(ctx context.Context, rc *pipeline.Context, uris ...string) {
	for _, uri := range uris {
		if err := rc.Deps.Artifacts.Delete(ctx, uri); err != nil {
			observability.LoggerFromContext(ctx).Warn("artifact cleanup failed",
				slog.String("uri", uri), slog.Any("error", err))
		}
	}
}

// CleanupDatasetArtifacts removes both dataset objects for a failed or
// revoked generation run; used by the handler on its failure path.
func CleanupDatasetArtifacts(ctx context.Context, store domain.ArtifactStore, datasetID int64) {
	for _, uri := range []string{store.DatasetURI(datasetID), store.BackgroundSampleURI(datasetID)} {
		if err := store.Delete(ctx, uri); err != nil {
			observability.LoggerFromContext(ctx).Warn("artifact cleanup failed",
				slog.String("uri", uri), slog.Any("error", err))
		}
	}
}
