package report

import (
	"context"
	"time"

	"github.com/ignite/adreport/internal/domain"
)

// Repository defines the data access contract for report jobs.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create inserts a new job.
	Create(ctx context.Context, job *domain.ReportJob) error

	// Get returns a single job. Returns domain.ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.ReportJob, error)

	// List returns jobs matching the filter, newest first, and the total count.
	List(ctx context.Context, f ListFilter) ([]domain.ReportJob, int, error)

	// Claim atomically moves a pending job to processing. It returns false,
	// without error, when the job is not pending.
	Claim(ctx context.Context, id, workerID string, at time.Time) (bool, error)

	// Complete moves a processing job to completed. Returns
	// domain.ErrInvalidTransition if the job is not processing.
	Complete(ctx context.Context, id, location string, at time.Time) error

	// Fail moves a processing job to failed. Returns
	// domain.ErrInvalidTransition if the job is not processing.
	Fail(ctx context.Context, id, reason string, at time.Time) error

	// Reap fails a job with the timeout reason if it has been processing
	// since before startedBefore. It returns false when nothing changed.
	Reap(ctx context.Context, id string, startedBefore, at time.Time) (bool, error)

	// ListStale returns ids of jobs processing since before startedBefore.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]string, error)

	// ListPending returns ids of pending jobs, oldest first.
	ListPending(ctx context.Context, limit int) ([]string, error)
}

// ListFilter controls pagination and filtering for job lists.
type ListFilter struct {
	AdvertiserID int64
	Status       string
	Limit        int
	Offset       int
}

// MetricStore persists custom metric definitions.
type MetricStore interface {
	SaveCustomMetric(ctx context.Context, def domain.CustomMetricDef) error
	ListCustomMetrics(ctx context.Context) ([]domain.CustomMetricDef, error)
}

// Dispatcher hands a job id to the task runner. Fire and forget.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// ResultReader loads a stored result envelope by location.
type ResultReader interface {
	Get(ctx context.Context, location string) ([]byte, error)
}
