// Package postgres implements the report repositories and the statistics
// store against PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/service/report"
)

// JobRepo implements report.Repository against PostgreSQL. Every
// transition is a single conditional UPDATE on the current status.
type JobRepo struct{ db *sql.DB }

// NewJobRepo creates a Postgres-backed report job repository.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, spec, status, COALESCE(result_location,''), COALESCE(error_message,''),
		       COALESCE(worker_id,''), created_at, processing_started_at, processing_completed_at`

func (r *JobRepo) Create(ctx context.Context, job *domain.ReportJob) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO report_jobs (id, advertiser_id, report_type, name, spec, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.Spec.AdvertiserID, string(job.Spec.ReportType), job.Spec.Name, spec, string(job.Status), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create report job: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.ReportJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report job: %w", err)
	}
	return job, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*domain.ReportJob, error) {
	var (
		j         domain.ReportJob
		spec      []byte
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := s.Scan(&j.ID, &spec, &status, &j.ResultLocation, &j.Error,
		&j.WorkerID, &j.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &j.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of job %s: %w", j.ID, err)
	}
	j.Status = domain.JobStatus(status)
	if started.Valid {
		t := started.Time
		j.ProcessingStartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.ProcessingCompletedAt = &t
	}
	return &j, nil
}

func (r *JobRepo) List(ctx context.Context, f report.ListFilter) ([]domain.ReportJob, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.AdvertiserID != 0 {
		where += fmt.Sprintf(" AND advertiser_id = $%d", idx)
		args = append(args, f.AdvertiserID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count report jobs: %w", err)
	}

	q := `SELECT ` + jobColumns + ` FROM report_jobs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list report jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.ReportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan report job: %w", err)
		}
		out = append(out, *j)
	}
	return out, total, rows.Err()
}

func (r *JobRepo) Claim(ctx context.Context, id, workerID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'processing', worker_id = $2, processing_started_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, workerID, at)
	if err != nil {
		return false, fmt.Errorf("claim report job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	return false, r.mustExist(ctx, id)
}

func (r *JobRepo) Complete(ctx context.Context, id, location string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'completed', result_location = $2, processing_completed_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, location, at)
	if err != nil {
		return fmt.Errorf("complete report job: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

func (r *JobRepo) Fail(ctx context.Context, id, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'failed', error_message = $2, processing_completed_at = $3
		WHERE id = $1 AND status = 'processing'
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("fail report job: %w", err)
	}
	return r.transitioned(ctx, res, id)
}

func (r *JobRepo) Reap(ctx context.Context, id string, startedBefore, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE report_jobs
		SET status = 'failed', error_message = $2, processing_completed_at = $4
		WHERE id = $1 AND status = 'processing' AND processing_started_at < $3
	`, id, domain.ReapReason, startedBefore, at)
	if err != nil {
		return false, fmt.Errorf("reap report job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *JobRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]string, error) {
	return r.ids(ctx, `
		SELECT id FROM report_jobs
		WHERE status = 'processing' AND processing_started_at < $1
		ORDER BY processing_started_at
		LIMIT $2
	`, startedBefore, batch(limit))
}

func (r *JobRepo) ListPending(ctx context.Context, limit int) ([]string, error) {
	return r.ids(ctx, `
		SELECT id FROM report_jobs
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, batch(limit))
}

func (r *JobRepo) ids(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list report job ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// transitioned maps a zero-row conditional update to ErrNotFound or
// ErrInvalidTransition.
func (r *JobRepo) transitioned(ctx context.Context, res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if err := r.mustExist(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is not processing", domain.ErrInvalidTransition, id)
}

func (r *JobRepo) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM report_jobs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check report job: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

func batch(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
