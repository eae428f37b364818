package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// ModelRepo persists registered models.
type ModelRepo struct{ Pool PgxPool }

// NewModelRepo constructs a ModelRepo with the given pool.
func NewModelRepo(p PgxPool) *ModelRepo { return &ModelRepo{Pool: p} }

const modelColumns = `id, name, version, model_type, artifact_uri, dataset_id,
	training_job_id, hp_search_job_id, hyperparameters, performance_metrics, created_at, updated_at`

func scanModel(row pgx.Row) (domain.Model, error) {
	var m domain.Model
	var uri *string
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.ModelType, &uri, &m.DatasetID,
		&m.TrainingJobID, &m.HPSearchJobID, &m.Hyperparameters, &m.PerformanceMetrics,
		&m.CreatedAt, &m.UpdatedAt)
	if uri != nil {
		m.ArtifactURI = *uri
	}
	return m, err
}

// Create inserts a model row. The artifact URI is written separately once the
// artifact write has acknowledged.
func (r *ModelRepo) Create(ctx domain.Context, m domain.Model) (int64, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Create")
	defer span.End()
	q := `INSERT INTO models (name, version, model_type, dataset_id, training_job_id,
		hp_search_job_id, hyperparameters, performance_metrics, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, m.Name, m.Version, m.ModelType, m.DatasetID,
		m.TrainingJobID, m.HPSearchJobID, m.Hyperparameters, m.PerformanceMetrics,
		time.Now().UTC()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=model.create: %w: %w", domain.ErrConflict, err)
		}
		return 0, fmt.Errorf("op=model.create: %w", err)
	}
	return id, nil
}

// Get loads a model by id.
func (r *ModelRepo) Get(ctx domain.Context, id int64) (domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Get")
	defer span.End()
	q := `SELECT ` + modelColumns + ` FROM models WHERE id=$1`
	m, err := scanModel(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Model{}, fmt.Errorf("op=model.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Model{}, fmt.Errorf("op=model.get: %w", err)
	}
	return m, nil
}

// FindByJobID returns the model a training or hp_search job registered.
func (r *ModelRepo) FindByJobID(ctx domain.Context, jobID int64) (domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.FindByJobID")
	defer span.End()
	q := `SELECT ` + modelColumns + ` FROM models
		WHERE training_job_id=$1 OR hp_search_job_id=$1 ORDER BY id DESC LIMIT 1`
	m, err := scanModel(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Model{}, fmt.Errorf("op=model.find_by_job job=%d: %w", jobID, domain.ErrNotFound)
		}
		return domain.Model{}, fmt.Errorf("op=model.find_by_job: %w", err)
	}
	return m, nil
}

// MaxVersion returns the highest existing version for name, 0 when none.
func (r *ModelRepo) MaxVersion(ctx domain.Context, name string) (int, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.MaxVersion")
	defer span.End()
	var v int
	q := `SELECT COALESCE(MAX(version), 0) FROM models WHERE name=$1`
	if err := r.Pool.QueryRow(ctx, q, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("op=model.max_version: %w", err)
	}
	return v, nil
}

// SetArtifactURI records the artifact location after the write succeeded.
func (r *ModelRepo) SetArtifactURI(ctx domain.Context, id int64, uri string) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.SetArtifactURI")
	defer span.End()
	q := `UPDATE models SET artifact_uri=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, uri, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=model.set_artifact_uri: %w", err)
	}
	return nil
}

// List returns recent models.
func (r *ModelRepo) List(ctx domain.Context, limit int) ([]domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+modelColumns+` FROM models ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=model.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("op=model.list: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the model count.
func (r *ModelRepo) Count(ctx domain.Context) (int64, error) {
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM models`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=model.count: %w", err)
	}
	return n, nil
}
