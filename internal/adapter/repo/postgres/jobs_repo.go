package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/riskline/defector/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// Status mutations go through compare-and-set updates keyed on
// (id, expected_status); zero rows affected means another actor won.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, kind, status, COALESCE(status_message,''), COALESCE(broker_task_id,''), config,
	dataset_id, model_id, repository_id, inference_job_id, COALESCE(xai_type,''),
	COALESCE(study_name,''), best_trial_id, best_params, best_value,
	input_reference, prediction_result, xai_result,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &j.StatusMessage, &j.BrokerTaskID, &j.Config,
		&j.DatasetID, &j.ModelID, &j.RepositoryID, &j.InferenceJobID, &j.XAIType,
		&j.StudyName, &j.BestTrialID, &j.BestParams, &j.BestValue,
		&j.InputReference, &j.PredictionResult, &j.XAIResult,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if j.Status == "" {
		j.Status = domain.JobPending
	}
	q := `INSERT INTO jobs (kind, status, status_message, broker_task_id, config,
		dataset_id, model_id, repository_id, inference_job_id, xai_type,
		study_name, input_reference, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13) RETURNING id`
	now := time.Now().UTC()
	var id int64
	err := r.Pool.QueryRow(ctx, q, j.Kind, j.Status, j.StatusMessage, j.BrokerTaskID, j.Config,
		j.DatasetID, j.ModelID, j.RepositoryID, j.InferenceJobID, j.XAIType,
		j.StudyName, j.InputReference, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=job.create: %w: %w", domain.ErrConflict, err)
		}
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns recent jobs, optionally filtered by kind.
func (r *JobRepo) List(ctx domain.Context, kind domain.JobKind, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ($1 = '' OR kind = $1) ORDER BY id DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CASRunning transitions expected -> running, stamping started_at and the
// broker task id. Returns false when the predicate matched zero rows.
func (r *JobRepo) CASRunning(ctx domain.Context, id int64, expected domain.JobStatus, taskID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CASRunning")
	defer span.End()
	if err := domain.ValidateTransition(expected, domain.JobRunning); err != nil {
		return false, err
	}
	q := `UPDATE jobs SET status=$3, started_at=COALESCE(started_at, $4), broker_task_id=$5, updated_at=$4
		WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, expected, domain.JobRunning, time.Now().UTC(), taskID)
	if err != nil {
		return false, fmt.Errorf("op=job.cas_running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CASTerminal transitions expected -> a terminal status, stamping
// completed_at and writing the terminal payload in the same statement.
func (r *JobRepo) CASTerminal(ctx domain.Context, id int64, expected, next domain.JobStatus, upd domain.TerminalUpdate) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CASTerminal")
	defer span.End()
	if !next.Terminal() {
		return false, fmt.Errorf("op=job.cas_terminal: %s is not terminal: %w", next, domain.ErrInvalidArgument)
	}
	if err := domain.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	q := `UPDATE jobs SET status=$3, status_message=$4, completed_at=$5, updated_at=$5,
		best_trial_id=COALESCE($6, best_trial_id),
		best_params=COALESCE($7, best_params),
		best_value=COALESCE($8, best_value),
		prediction_result=COALESCE($9, prediction_result),
		xai_result=COALESCE($10, xai_result)
		WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, expected, next, truncateMessage(upd.StatusMessage), time.Now().UTC(),
		upd.BestTrialID, upd.BestParams, upd.BestValue, upd.PredictionResult, upd.XAIResult)
	if err != nil {
		return false, fmt.Errorf("op=job.cas_terminal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetBrokerTaskID records the broker task id returned by the publish.
func (r *JobRepo) SetBrokerTaskID(ctx domain.Context, id int64, taskID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetBrokerTaskID")
	defer span.End()
	q := `UPDATE jobs SET broker_task_id=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, taskID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.set_task_id: %w", err)
	}
	return nil
}

// AdoptTaskID overwrites the task id of a running job without touching status.
func (r *JobRepo) AdoptTaskID(ctx domain.Context, id int64, taskID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AdoptTaskID")
	defer span.End()
	q := `UPDATE jobs SET broker_task_id=$2, updated_at=$3 WHERE id=$1 AND status='running'`
	if _, err := r.Pool.Exec(ctx, q, id, taskID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.adopt_task_id: %w", err)
	}
	return nil
}

// FindStudy returns the newest hp_search job carrying studyName.
func (r *JobRepo) FindStudy(ctx domain.Context, studyName string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindStudy")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE kind='hp_search' AND study_name=$1 ORDER BY id DESC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, studyName))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_study: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_study: %w", err)
	}
	return j, nil
}

// FindXAIResult returns the xai_result job for (inferenceJobID, xaiType).
func (r *JobRepo) FindXAIResult(ctx domain.Context, inferenceJobID int64, xaiType string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindXAIResult")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE kind='xai_result' AND inference_job_id=$1 AND xai_type=$2`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, inferenceJobID, xaiType))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_xai: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_xai: %w", err)
	}
	return j, nil
}

// ListXAIResults returns all xai_result jobs attached to an inference job.
func (r *JobRepo) ListXAIResults(ctx domain.Context, inferenceJobID int64) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListXAIResults")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE kind='xai_result' AND inference_job_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, inferenceJobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_xai: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_xai: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkStuck flips jobs running longer than maxAge to failed.
func (r *JobRepo) MarkStuck(ctx domain.Context, maxAge time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkStuck")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status='failed', status_message='job stuck in running beyond max age',
		completed_at=$1, updated_at=$1
		WHERE status='running' AND started_at < $2`
	tag, err := r.Pool.Exec(ctx, q, now, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("op=job.mark_stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByKindStatus aggregates job counts for the dashboard.
func (r *JobRepo) CountByKindStatus(ctx domain.Context) (map[domain.JobKind]map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByKindStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT kind, status, COUNT(*) FROM jobs GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobKind]map[domain.JobStatus]int64)
	for rows.Next() {
		var kind domain.JobKind
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("op=job.count: %w", err)
		}
		if out[kind] == nil {
			out[kind] = make(map[domain.JobStatus]int64)
		}
		out[kind][status] = n
	}
	return out, rows.Err()
}

// truncateMessage caps terminal messages at 500 chars per the wire contract.
func truncateMessage(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
