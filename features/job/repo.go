package job

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Start(ctx context.Context, id string, at time.Time) error
	UpdateProgress(ctx context.Context, job *Job) error
	Finish(ctx context.Context, job *Job) error
	Discard(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	FailRunning(ctx context.Context, message string, at time.Time) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, status, triggered_by, start_time, end_time, urls_processed, documents_processed, errors_count, error_message, created_at`

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO scrape_jobs (id, status, triggered_by) VALUES ($1, $2, $3) RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, job.ID, string(job.Status), string(job.Trigger)).Scan(&job.CreatedAt)
}

// Start moves a pending job to running. The partial unique index on running
// jobs turns a concurrent start into ErrJobAlreadyRunning.
func (r *PostgresRepo) Start(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE scrape_jobs SET status = 'running', start_time = $2 WHERE id = $1 AND status = 'pending'`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrJobAlreadyRunning
		}
		return err
	}
	return expectOne(res, ErrJobFinished)
}

// UpdateProgress only raises counters, so flushes from concurrent workers
// may land in any order.
func (r *PostgresRepo) UpdateProgress(ctx context.Context, job *Job) error {
	query := `UPDATE scrape_jobs
		SET urls_processed = GREATEST(urls_processed, $2), documents_processed = GREATEST(documents_processed, $3), errors_count = GREATEST(errors_count, $4)
		WHERE id = $1 AND status = 'running'`
	res, err := r.db.ExecContext(ctx, query, job.ID, job.URLsProcessed, job.DocumentsProcessed, job.ErrorsCount)
	if err != nil {
		return err
	}
	return expectOne(res, ErrJobFinished)
}

// Finish writes the terminal state. Rows already terminal are left alone
// and reported as ErrJobFinished.
func (r *PostgresRepo) Finish(ctx context.Context, job *Job) error {
	query := `UPDATE scrape_jobs
		SET status = $2, end_time = $3, urls_processed = $4, documents_processed = $5, errors_count = $6, error_message = $7
		WHERE id = $1 AND status IN ('pending', 'running')`
	res, err := r.db.ExecContext(ctx, query, job.ID, string(job.Status), job.EndTime,
		job.URLsProcessed, job.DocumentsProcessed, job.ErrorsCount, job.ErrorMessage)
	if err != nil {
		return err
	}
	return expectOne(res, ErrJobFinished)
}

// Discard removes a job that never started. Started jobs are history and
// are not touched.
func (r *PostgresRepo) Discard(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scrape_jobs WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrJobFinished)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// FailRunning marks jobs orphaned by a previous process as failed.
func (r *PostgresRepo) FailRunning(ctx context.Context, message string, at time.Time) (int64, error) {
	query := `UPDATE scrape_jobs SET status = 'failed', end_time = $2, error_message = $1 WHERE status IN ('pending', 'running')`
	res, err := r.db.ExecContext(ctx, query, message, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var status, trigger string
	var start, end sql.NullTime
	err := s.Scan(&j.ID, &status, &trigger, &start, &end,
		&j.URLsProcessed, &j.DocumentsProcessed, &j.ErrorsCount, &j.ErrorMessage, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Trigger = Trigger(trigger)
	if start.Valid {
		j.StartTime = &start.Time
	}
	if end.Valid {
		j.EndTime = &end.Time
	}
	return j, nil
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
