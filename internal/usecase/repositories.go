package usecase

import (
	"context"
	"fmt"

	"github.com/riskline/defector/internal/cleaning"
	"github.com/riskline/defector/internal/domain"
)

// CreateRepository registers a repository under analysis.
func (s *Service) CreateRepository(ctx context.Context, name, gitURL string) (int64, error) {
	if name == "" || gitURL == "" {
		return 0, fmt.Errorf("name and git_url required: %w", domain.ErrInvalidArgument)
	}
	return s.Repositories.Create(ctx, domain.Repository{Name: name, GitURL: gitURL})
}

// GetRepository reads one repository row.
func (s *Service) GetRepository(ctx context.Context, id int64) (domain.Repository, error) {
	return s.Repositories.Get(ctx, id)
}

// ListRepositories lists repositories, newest first.
func (s *Service) ListRepositories(ctx context.Context, limit int) ([]domain.Repository, error) {
	return s.Repositories.List(ctx, limit)
}

// DeleteRepository cascades through datasets, models, jobs and results.
func (s *Service) DeleteRepository(ctx context.Context, id int64) error {
	return s.Repositories.Delete(ctx, id)
}

// AddBotPattern registers a bot pattern; regex patterns must compile.
func (s *Service) AddBotPattern(ctx context.Context, p domain.BotPattern) (int64, error) {
	switch p.Type {
	case domain.BotPatternExact, domain.BotPatternWildcard, domain.BotPatternRegex:
	default:
		return 0, fmt.Errorf("unknown pattern type %q: %w", p.Type, domain.ErrInvalidArgument)
	}
	if _, err := cleaning.NewBotMatcher([]domain.BotPattern{p}); err != nil {
		return 0, err
	}
	if p.RepositoryID != nil {
		if _, err := s.Repositories.Get(ctx, *p.RepositoryID); err != nil {
			return 0, err
		}
	}
	return s.Repositories.CreateBotPattern(ctx, p)
}

// ListBotPatterns returns a repository's patterns, global ones included.
func (s *Service) ListBotPatterns(ctx context.Context, repositoryID int64) ([]domain.BotPattern, error) {
	if _, err := s.Repositories.Get(ctx, repositoryID); err != nil {
		return nil, err
	}
	return s.Repositories.ListBotPatterns(ctx, repositoryID)
}

// UploadGuruMetrics bulk-upserts commit-level process metrics.
func (s *Service) UploadGuruMetrics(ctx context.Context, repositoryID int64, ms []domain.CommitGuruMetric) error {
	if len(ms) == 0 {
		return fmt.Errorf("empty metric upload: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Repositories.Get(ctx, repositoryID); err != nil {
		return err
	}
	for i := range ms {
		if ms[i].CommitHash == "" {
			return fmt.Errorf("metric %d lacks commit_hash: %w", i, domain.ErrInvalidArgument)
		}
		ms[i].RepositoryID = repositoryID
	}
	return s.Repositories.BulkUpsertGuruMetrics(ctx, ms)
}

// UploadCKMetrics bulk-upserts class-level static metrics.
func (s *Service) UploadCKMetrics(ctx context.Context, repositoryID int64, ms []domain.CKMetric) error {
	if len(ms) == 0 {
		return fmt.Errorf("empty metric upload: %w", domain.ErrInvalidArgument)
	}
	if _, err := s.Repositories.Get(ctx, repositoryID); err != nil {
		return err
	}
	for i := range ms {
		if ms[i].CommitHash == "" || ms[i].File == "" {
			return fmt.Errorf("metric %d lacks commit_hash or file: %w", i, domain.ErrInvalidArgument)
		}
		ms[i].RepositoryID = repositoryID
	}
	return s.Repositories.BulkUpsertCKMetrics(ctx, ms)
}

// GetDataset reads one dataset row.
func (s *Service) GetDataset(ctx context.Context, id int64) (domain.Dataset, error) {
	return s.Datasets.Get(ctx, id)
}

// ListDatasets lists datasets, newest first.
func (s *Service) ListDatasets(ctx context.Context, limit int) ([]domain.Dataset, error) {
	return s.Datasets.List(ctx, limit)
}

// GetModel reads one model row.
func (s *Service) GetModel(ctx context.Context, id int64) (domain.Model, error) {
	return s.Models.Get(ctx, id)
}

// ListModels lists models, newest first.
func (s *Service) ListModels(ctx context.Context, limit int) ([]domain.Model, error) {
	return s.Models.List(ctx, limit)
}
