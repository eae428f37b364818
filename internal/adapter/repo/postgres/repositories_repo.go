package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// RepositoryRepo persists repositories, bot patterns, metrics and commit
// details. Bulk upserts run inside one transaction per call.
type RepositoryRepo struct{ Pool PgxPool }

// NewRepositoryRepo constructs a RepositoryRepo with the given pool.
func NewRepositoryRepo(p PgxPool) *RepositoryRepo { return &RepositoryRepo{Pool: p} }

// Create inserts a repository row.
func (r *RepositoryRepo) Create(ctx domain.Context, repo domain.Repository) (int64, error) {
	tracer := otel.Tracer("repo.repositories")
	ctx, span := tracer.Start(ctx, "repositories.Create")
	defer span.End()
	q := `INSERT INTO repositories (name, git_url, created_at, updated_at) VALUES ($1,$2,$3,$3) RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, repo.Name, repo.GitURL, time.Now().UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=repository.create: %w", err)
	}
	return id, nil
}

// Get loads a repository by id.
func (r *RepositoryRepo) Get(ctx domain.Context, id int64) (domain.Repository, error) {
	tracer := otel.Tracer("repo.repositories")
	ctx, span := tracer.Start(ctx, "repositories.Get")
	defer span.End()
	var repo domain.Repository
	q := `SELECT id, name, git_url, created_at, updated_at FROM repositories WHERE id=$1`
	err := r.Pool.QueryRow(ctx, q, id).Scan(&repo.ID, &repo.Name, &repo.GitURL, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Repository{}, fmt.Errorf("op=repository.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Repository{}, fmt.Errorf("op=repository.get: %w", err)
	}
	return repo, nil
}

// List returns repositories.
func (r *RepositoryRepo) List(ctx domain.Context, limit int) ([]domain.Repository, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT id, name, git_url, created_at, updated_at FROM repositories ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=repository.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Repository
	for rows.Next() {
		var repo domain.Repository
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.GitURL, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=repository.list: %w", err)
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

// Delete removes a repository; FK cascades remove datasets, models, jobs and
// results underneath it.
func (r *RepositoryRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.repositories")
	ctx, span := tracer.Start(ctx, "repositories.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM repositories WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=repository.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=repository.delete id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListBotPatterns returns global patterns plus those scoped to repositoryID.
func (r *RepositoryRepo) ListBotPatterns(ctx domain.Context, repositoryID int64) ([]domain.BotPattern, error) {
	q := `SELECT id, repository_id, pattern, pattern_type, is_exclusion, created_at
		FROM bot_patterns WHERE repository_id IS NULL OR repository_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("op=bot_pattern.list: %w", err)
	}
	defer rows.Close()
	var out []domain.BotPattern
	for rows.Next() {
		var p domain.BotPattern
		if err := rows.Scan(&p.ID, &p.RepositoryID, &p.Pattern, &p.Type, &p.IsExclusion, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=bot_pattern.list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateBotPattern inserts a bot pattern.
func (r *RepositoryRepo) CreateBotPattern(ctx domain.Context, p domain.BotPattern) (int64, error) {
	q := `INSERT INTO bot_patterns (repository_id, pattern, pattern_type, is_exclusion, created_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, p.RepositoryID, p.Pattern, p.Type, p.IsExclusion, time.Now().UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=bot_pattern.create: %w", err)
	}
	return id, nil
}

// BulkUpsertGuruMetrics upserts commit-guru metrics keyed on
// (repository_id, commit_hash) inside one transaction.
func (r *RepositoryRepo) BulkUpsertGuruMetrics(ctx domain.Context, ms []domain.CommitGuruMetric) error {
	tracer := otel.Tracer("repo.repositories")
	ctx, span := tracer.Start(ctx, "repositories.BulkUpsertGuruMetrics")
	defer span.End()
	if len(ms) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=guru_metric.upsert.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO commit_guru_metrics
		(repository_id, commit_hash, parent_hashes, author_name, author_email, author_date, is_buggy, fix_hash, metrics)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (repository_id, commit_hash) DO UPDATE SET
		parent_hashes=EXCLUDED.parent_hashes, author_name=EXCLUDED.author_name,
		author_email=EXCLUDED.author_email, author_date=EXCLUDED.author_date,
		is_buggy=EXCLUDED.is_buggy, fix_hash=EXCLUDED.fix_hash, metrics=EXCLUDED.metrics`
	for _, m := range ms {
		metrics, err := json.Marshal(m.Metrics)
		if err != nil {
			return fmt.Errorf("op=guru_metric.upsert.marshal: %w", err)
		}
		if _, err := tx.Exec(ctx, q, m.RepositoryID, m.CommitHash, m.ParentHashes,
			m.AuthorName, m.AuthorEmail, m.AuthorDate, m.IsBuggy, m.FixHash, metrics); err != nil {
			return fmt.Errorf("op=guru_metric.upsert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=guru_metric.upsert.commit: %w", err)
	}
	return nil
}

// GetGuruMetric loads the metric row for one commit.
func (r *RepositoryRepo) GetGuruMetric(ctx domain.Context, repositoryID int64, commitHash string) (domain.CommitGuruMetric, error) {
	q := `SELECT id, repository_id, commit_hash, parent_hashes, author_name, author_email,
		COALESCE(author_date, 'epoch'::timestamptz), is_buggy, fix_hash, metrics
		FROM commit_guru_metrics WHERE repository_id=$1 AND commit_hash=$2`
	var m domain.CommitGuruMetric
	var metrics []byte
	err := r.Pool.QueryRow(ctx, q, repositoryID, commitHash).Scan(&m.ID, &m.RepositoryID, &m.CommitHash,
		&m.ParentHashes, &m.AuthorName, &m.AuthorEmail, &m.AuthorDate, &m.IsBuggy, &m.FixHash, &metrics)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CommitGuruMetric{}, fmt.Errorf("op=guru_metric.get: %w", domain.ErrNotFound)
		}
		return domain.CommitGuruMetric{}, fmt.Errorf("op=guru_metric.get: %w", err)
	}
	if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
		return domain.CommitGuruMetric{}, fmt.Errorf("op=guru_metric.get.unmarshal: %w", err)
	}
	return m, nil
}

// ListGuruMetrics pages metric rows for batch streaming.
func (r *RepositoryRepo) ListGuruMetrics(ctx domain.Context, repositoryID int64, offset, limit int) ([]domain.CommitGuruMetric, error) {
	q := `SELECT id, repository_id, commit_hash, parent_hashes, author_name, author_email,
		COALESCE(author_date, 'epoch'::timestamptz), is_buggy, fix_hash, metrics
		FROM commit_guru_metrics WHERE repository_id=$1 ORDER BY id OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, repositoryID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=guru_metric.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CommitGuruMetric
	for rows.Next() {
		var m domain.CommitGuruMetric
		var metrics []byte
		if err := rows.Scan(&m.ID, &m.RepositoryID, &m.CommitHash, &m.ParentHashes,
			&m.AuthorName, &m.AuthorEmail, &m.AuthorDate, &m.IsBuggy, &m.FixHash, &metrics); err != nil {
			return nil, fmt.Errorf("op=guru_metric.list: %w", err)
		}
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, fmt.Errorf("op=guru_metric.list.unmarshal: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountGuruMetrics returns the metric row count for a repository.
func (r *RepositoryRepo) CountGuruMetrics(ctx domain.Context, repositoryID int64) (int64, error) {
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM commit_guru_metrics WHERE repository_id=$1`, repositoryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=guru_metric.count: %w", err)
	}
	return n, nil
}

// BulkUpsertCKMetrics upserts class-level metrics keyed on
// (repository_id, commit_hash, file, class_name) inside one transaction.
func (r *RepositoryRepo) BulkUpsertCKMetrics(ctx domain.Context, ms []domain.CKMetric) error {
	tracer := otel.Tracer("repo.repositories")
	ctx, span := tracer.Start(ctx, "repositories.BulkUpsertCKMetrics")
	defer span.End()
	if len(ms) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=ck_metric.upsert.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO ck_metrics (repository_id, commit_hash, file, class_name, metrics)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (repository_id, commit_hash, file, class_name) DO UPDATE SET metrics=EXCLUDED.metrics`
	for _, m := range ms {
		metrics, err := json.Marshal(m.Metrics)
		if err != nil {
			return fmt.Errorf("op=ck_metric.upsert.marshal: %w", err)
		}
		if _, err := tx.Exec(ctx, q, m.RepositoryID, m.CommitHash, m.File, m.ClassName, metrics); err != nil {
			return fmt.Errorf("op=ck_metric.upsert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ck_metric.upsert.commit: %w", err)
	}
	return nil
}

// ListCKMetrics returns the class-level rows for one commit.
func (r *RepositoryRepo) ListCKMetrics(ctx domain.Context, repositoryID int64, commitHash string) ([]domain.CKMetric, error) {
	q := `SELECT id, repository_id, commit_hash, file, class_name, metrics
		FROM ck_metrics WHERE repository_id=$1 AND commit_hash=$2 ORDER BY file, class_name`
	rows, err := r.Pool.Query(ctx, q, repositoryID, commitHash)
	if err != nil {
		return nil, fmt.Errorf("op=ck_metric.list: %w", err)
	}
	defer rows.Close()
	var out []domain.CKMetric
	for rows.Next() {
		var m domain.CKMetric
		var metrics []byte
		if err := rows.Scan(&m.ID, &m.RepositoryID, &m.CommitHash, &m.File, &m.ClassName, &metrics); err != nil {
			return nil, fmt.Errorf("op=ck_metric.list: %w", err)
		}
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, fmt.Errorf("op=ck_metric.list.unmarshal: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCommitDetail loads the ingested view of one commit.
func (r *RepositoryRepo) GetCommitDetail(ctx domain.Context, repositoryID int64, commitHash string) (domain.CommitDetail, error) {
	q := `SELECT id, repository_id, commit_hash, author, message,
		COALESCE(committed_at, 'epoch'::timestamptz), ingestion_status, file_diffs, created_at, updated_at
		FROM commit_details WHERE repository_id=$1 AND commit_hash=$2`
	var d domain.CommitDetail
	var diffs []byte
	err := r.Pool.QueryRow(ctx, q, repositoryID, commitHash).Scan(&d.ID, &d.RepositoryID, &d.CommitHash,
		&d.Author, &d.Message, &d.CommittedAt, &d.IngestionStatus, &diffs, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CommitDetail{}, fmt.Errorf("op=commit_detail.get: %w", domain.ErrNotFound)
		}
		return domain.CommitDetail{}, fmt.Errorf("op=commit_detail.get: %w", err)
	}
	if err := json.Unmarshal(diffs, &d.FileDiffs); err != nil {
		return domain.CommitDetail{}, fmt.Errorf("op=commit_detail.get.unmarshal: %w", err)
	}
	return d, nil
}

// UpsertCommitDetail writes the ingested commit view keyed on
// (repository_id, commit_hash).
func (r *RepositoryRepo) UpsertCommitDetail(ctx domain.Context, d domain.CommitDetail) (int64, error) {
	diffs, err := json.Marshal(d.FileDiffs)
	if err != nil {
		return 0, fmt.Errorf("op=commit_detail.upsert.marshal: %w", err)
	}
	q := `INSERT INTO commit_details
		(repository_id, commit_hash, author, message, committed_at, ingestion_status, file_diffs, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (repository_id, commit_hash) DO UPDATE SET
		author=EXCLUDED.author, message=EXCLUDED.message, committed_at=EXCLUDED.committed_at,
		ingestion_status=EXCLUDED.ingestion_status, file_diffs=EXCLUDED.file_diffs, updated_at=EXCLUDED.updated_at
		RETURNING id`
	var id int64
	if err := r.Pool.QueryRow(ctx, q, d.RepositoryID, d.CommitHash, d.Author, d.Message,
		d.CommittedAt, d.IngestionStatus, diffs, time.Now().UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=commit_detail.upsert: %w", err)
	}
	return id, nil
}

// SetIngestionStatus moves the commit-detail ingestion sub-state machine.
func (r *RepositoryRepo) SetIngestionStatus(ctx domain.Context, repositoryID int64, commitHash string, st domain.IngestionStatus) error {
	q := `INSERT INTO commit_details (repository_id, commit_hash, ingestion_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (repository_id, commit_hash) DO UPDATE SET
		ingestion_status=EXCLUDED.ingestion_status, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, repositoryID, commitHash, st, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=commit_detail.set_status: %w", err)
	}
	return nil
}
