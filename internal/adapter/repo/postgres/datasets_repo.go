package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// DatasetRepo persists datasets.
type DatasetRepo struct{ Pool PgxPool }

// NewDatasetRepo constructs a DatasetRepo with the given pool.
func NewDatasetRepo(p PgxPool) *DatasetRepo { return &DatasetRepo{Pool: p} }

const datasetColumns = `id, repository_id, name, status, COALESCE(status_message,''),
	COALESCE(storage_uri,''), COALESCE(background_sample_uri,''), num_rows, config, created_at, updated_at`

func scanDataset(row pgx.Row) (domain.Dataset, error) {
	var d domain.Dataset
	err := row.Scan(&d.ID, &d.RepositoryID, &d.Name, &d.Status, &d.StatusMessage,
		&d.StorageURI, &d.BackgroundSampleURI, &d.NumRows, &d.Config, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// Create inserts a dataset row in pending state.
func (r *DatasetRepo) Create(ctx domain.Context, d domain.Dataset) (int64, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Create")
	defer span.End()
	if d.Status == "" {
		d.Status = domain.DatasetPending
	}
	q := `INSERT INTO datasets (repository_id, name, status, config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, d.RepositoryID, d.Name, d.Status, d.Config, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=dataset.create: %w", err)
	}
	return id, nil
}

// Get loads a dataset by id.
func (r *DatasetRepo) Get(ctx domain.Context, id int64) (domain.Dataset, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.Get")
	defer span.End()
	d, err := scanDataset(r.Pool.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Dataset{}, fmt.Errorf("op=dataset.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Dataset{}, fmt.Errorf("op=dataset.get: %w", err)
	}
	return d, nil
}

// UpdateStatus sets the dataset status and message.
func (r *DatasetRepo) UpdateStatus(ctx domain.Context, id int64, status domain.DatasetStatus, message string) error {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.UpdateStatus")
	defer span.End()
	q := `UPDATE datasets SET status=$2, status_message=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, message, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=dataset.update_status: %w", err)
	}
	return nil
}

// SetReady records both URIs and the row count together with the ready flip.
func (r *DatasetRepo) SetReady(ctx domain.Context, id int64, storageURI, backgroundURI string, numRows int64) error {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.SetReady")
	defer span.End()
	q := `UPDATE datasets SET status='ready', status_message='', storage_uri=$2,
		background_sample_uri=$3, num_rows=$4, updated_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, storageURI, backgroundURI, numRows, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=dataset.set_ready: %w", err)
	}
	return nil
}

// List returns recent datasets.
func (r *DatasetRepo) List(ctx domain.Context, limit int) ([]domain.Dataset, error) {
	tracer := otel.Tracer("repo.datasets")
	ctx, span := tracer.Start(ctx, "datasets.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dataset.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dataset.list: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the dataset count.
func (r *DatasetRepo) Count(ctx domain.Context) (int64, error) {
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dataset.count: %w", err)
	}
	return n, nil
}
