package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepo stores jobs in a per-service table. Expected schema:
//
//	CREATE TABLE <table> (
//	    job_id         uuid PRIMARY KEY,
//	    status         text NOT NULL,
//	    stage          text NOT NULL DEFAULT '',
//	    correlation_id text NOT NULL DEFAULT '',
//	    input          jsonb,
//	    result         jsonb,
//	    error_message  text NOT NULL DEFAULT '',
//	    created_at     timestamptz NOT NULL,
//	    updated_at     timestamptz NOT NULL
//	);
type PostgresRepo struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresRepo(pool *pgxpool.Pool, table string) (*PostgresRepo, error) {
	if pool == nil {
		return nil, errors.New("db pool is nil")
	}
	if table == "" {
		return nil, errors.New("jobs table name is required")
	}
	return &PostgresRepo{pool: pool, table: table}, nil
}

func (r *PostgresRepo) Create(ctx context.Context, job Job) (Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, status, stage, correlation_id, input, result, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.table), job.ID, job.Status, job.Stage, job.CorrelationID, job.Input, job.Result, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	return job, err
}

func (r *PostgresRepo) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	var job Job
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT job_id, status, stage, correlation_id, input, result, error_message, created_at, updated_at
		FROM %s
		WHERE job_id = $1
	`, r.table), id).
		Scan(&job.ID, &job.Status, &job.Stage, &job.CorrelationID, &job.Input, &job.Result, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (r *PostgresRepo) List(ctx context.Context, limit int, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT job_id, status, stage, correlation_id, input, result, error_message, created_at, updated_at
		FROM %s
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, r.table), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Status, &job.Stage, &job.CorrelationID, &job.Input, &job.Result, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Transition(ctx context.Context, id uuid.UUID, status string, update Update) (Job, error) {
	status = NormalizeStatus(status)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var job Job
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT job_id, status, stage, correlation_id, input, result, error_message, created_at, updated_at
		FROM %s
		WHERE job_id = $1
		FOR UPDATE
	`, r.table), id).
		Scan(&job.ID, &job.Status, &job.Stage, &job.CorrelationID, &job.Input, &job.Result, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
		return Job{}, err
	}
	if err != nil {
		return Job{}, err
	}
	if !CanTransition(job.Status, status) {
		err = ErrInvalidTransition
		return Job{}, err
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	switch status {
	case StatusDone:
		job.Result = update.Result
		job.ErrorMessage = ""
	case StatusFailed:
		job.ErrorMessage = update.ErrorMessage
		job.Result = nil
	case StatusPending:
		job.ErrorMessage = ""
	}
	if update.Stage != "" {
		job.Stage = update.Stage
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $2, stage = $3, result = $4, error_message = $5, updated_at = $6
		WHERE job_id = $1
	`, r.table), job.ID, job.Status, job.Stage, job.Result, job.ErrorMessage, job.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return Job{}, err
	}
	return job, nil
}
