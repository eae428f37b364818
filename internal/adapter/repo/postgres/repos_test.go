package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/riskline/defector/internal/domain"
)

type errRow struct{ err error }

func (r errRow) Scan(_ ...any) error { return r.err }

// errPool fails every query with a fixed error.
type errPool struct{ err error }

func (p errPool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, p.err
}
func (p errPool) QueryRow(context.Context, string, ...any) pgx.Row { return errRow{p.err} }
func (p errPool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, p.err
}
func (p errPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, p.err
}

func TestJobCreateMapsUniqueViolationToConflict(t *testing.T) {
	pool := errPool{err: &pgconn.PgError{Code: "23505", ConstraintName: "jobs_xai_unique"}}
	_, err := NewJobRepo(pool).Create(context.Background(), domain.Job{Kind: domain.KindXAIResult})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobCreateKeepsOtherErrorsOpaque(t *testing.T) {
	pool := errPool{err: errors.New("connection reset")}
	_, err := NewJobRepo(pool).Create(context.Background(), domain.Job{Kind: domain.KindTraining})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConflict)
}

func TestModelCreateMapsUniqueViolationToConflict(t *testing.T) {
	pool := errPool{err: &pgconn.PgError{Code: "23505", ConstraintName: "models_name_version_key"}}
	_, err := NewModelRepo(pool).Create(context.Background(), domain.Model{Name: "m", Version: 1})
	assert.ErrorIs(t, err, domain.ErrConflict)
}
