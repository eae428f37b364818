package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/riskline/defector/internal/domain"
)

// CommitIngestion fetches commit metadata and per-file diffs from the
// repository's hosting provider and upserts them under the ingestion
// sub-state machine: not_ingested -> in_progress -> complete | failed.
type CommitIngestion struct {
	deps Deps
}

func (*CommitIngestion) Kind() domain.JobKind { return domain.KindCommitIngestion }

func (c *CommitIngestion) Execute(ctx context.Context, job domain.Job, taskID string) (domain.TerminalUpdate, json.RawMessage, error) {
	var cfg domain.CommitIngestionConfig
	if err := json.Unmarshal(job.Config, &cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("decode config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return domain.TerminalUpdate{}, nil, fmt.Errorf("config: %w: %w", domain.ErrInvalidArgument, err)
	}

	repo, err := c.deps.Repositories.Get(ctx, cfg.RepositoryID)
	if err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	if _, err := c.deps.Repositories.UpsertCommitDetail(ctx, domain.CommitDetail{
		RepositoryID:    cfg.RepositoryID,
		CommitHash:      cfg.CommitHash,
		IngestionStatus: domain.IngestionInProgress,
	}); err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	_ = c.deps.Tasks.SetProgress(ctx, taskID, 30, "fetching commit from provider")
	detail, err := c.deps.Commits.FetchCommit(ctx, repo, cfg.CommitHash)
	if err != nil {
		if stErr := c.deps.Repositories.SetIngestionStatus(ctx, cfg.RepositoryID, cfg.CommitHash, domain.IngestionFailed); stErr != nil {
			return domain.TerminalUpdate{}, nil, fmt.Errorf("fetch failed (%v) and status write failed: %w", err, stErr)
		}
		return domain.TerminalUpdate{}, nil, err
	}
	if c.deps.revoked(ctx, taskID) {
		_ = c.deps.Repositories.SetIngestionStatus(ctx, cfg.RepositoryID, cfg.CommitHash, domain.IngestionFailed)
		return domain.TerminalUpdate{}, nil, domain.ErrCancelled
	}

	detail.RepositoryID = cfg.RepositoryID
	detail.CommitHash = cfg.CommitHash
	detail.IngestionStatus = domain.IngestionComplete
	if _, err := c.deps.Repositories.UpsertCommitDetail(ctx, detail); err != nil {
		return domain.TerminalUpdate{}, nil, err
	}

	result, _ := json.Marshal(map[string]any{
		"repository_id": cfg.RepositoryID,
		"commit_hash":   cfg.CommitHash,
		"files":         len(detail.FileDiffs),
	})
	upd := domain.TerminalUpdate{
		StatusMessage: fmt.Sprintf("ingested commit %s (%d files)", cfg.CommitHash, len(detail.FileDiffs)),
	}
	return upd, result, nil
}
