package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/pipeline"
	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/pkg/metrics"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/ignite/adreport/internal/stats"
	"github.com/ignite/adreport/internal/storage"
)

// =============================================================================
// EXECUTION COORDINATOR — Runs One Report Job End To End
// =============================================================================
// claim -> plan (strategy + custom metrics) -> extract -> pipeline ->
// project -> store -> complete. Any error or panic after a successful claim
// is recorded on the job with Fail; nothing is returned to the caller, which
// is a queue consumer with nobody to report to.

// Coordinator executes report jobs. It is safe for concurrent use.
type Coordinator struct {
	svc      *report.Service
	store    stats.Store
	results  storage.ResultStore
	workerID string
	timeout  time.Duration
	now      func() time.Time
}

// NewCoordinator creates a coordinator that claims jobs as workerID.
// A zero timeout leaves execution unbounded; the reaper still applies.
func NewCoordinator(svc *report.Service, store stats.Store, results storage.ResultStore, workerID string, timeout time.Duration) *Coordinator {
	return &Coordinator{
		svc:      svc,
		store:    store,
		results:  results,
		workerID: workerID,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WorkerID returns the id the coordinator claims jobs under.
func (c *Coordinator) WorkerID() string { return c.workerID }

// Execute runs one job. It returns the status the job was left in, or ""
// when the claim was lost or the job could not be loaded.
func (c *Coordinator) Execute(ctx context.Context, jobID string) domain.JobStatus {
	won, err := c.svc.Claim(ctx, jobID, c.workerID)
	if err != nil {
		logger.Error("[worker.Coordinator] claim failed", "job_id", jobID, "error", err)
		return ""
	}
	if !won {
		logger.Debug("[worker.Coordinator] job already claimed", "job_id", jobID)
		return ""
	}

	start := time.Now()
	job, err := c.svc.Get(ctx, jobID)
	if err != nil {
		c.fail(ctx, jobID, fmt.Errorf("load job: %w", err))
		return domain.JobFailed
	}
	fields := []interface{}{"job_id", job.ID, "report_type", job.Spec.ReportType, "worker_id", c.workerID}
	logger.Info("[worker.Coordinator] job started", fields...)

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	location, err := c.run(runCtx, job)
	if err != nil {
		c.fail(ctx, job.ID, err)
		return domain.JobFailed
	}

	dctx, cancel := detach(ctx)
	defer cancel()
	if err := c.svc.Complete(dctx, job.ID, location); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// reaped while running; the result is orphaned
			logger.Warn("[worker.Coordinator] job left processing before completion", append(fields, "location", location)...)
			return domain.JobFailed
		}
		c.fail(ctx, job.ID, fmt.Errorf("complete job: %w", err))
		return domain.JobFailed
	}

	elapsed := time.Since(start)
	metrics.PipelineDuration.WithLabelValues(string(job.Spec.ReportType)).Observe(elapsed.Seconds())
	logger.Info("[worker.Coordinator] job completed", append(fields, "location", location, "duration", elapsed)...)
	return domain.JobCompleted
}

// run does the work between claim and completion. Panics become errors.
func (c *Coordinator) run(ctx context.Context, job *domain.ReportJob) (location string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[worker.Coordinator] panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = &domain.ExecutionError{Op: "execute report", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	spec := &job.Spec
	// resolves custom metrics before the store is touched
	plan, err := c.svc.PlanJob(ctx, job)
	if err != nil {
		return "", err
	}

	rows, err := plan.Strategy.Extract(ctx, c.store, spec)
	if err != nil {
		return "", err
	}
	metrics.ExtractedRows.WithLabelValues(string(spec.ReportType)).Add(float64(len(rows)))

	out := pipeline.Run(rows, plan.Pipeline)
	table := pipeline.Project(out, plan.Columns)

	data, err := export.MarshalEnvelope(table)
	if err != nil {
		return "", &domain.ExecutionError{Op: "encode result", Err: err}
	}
	key := export.ResultKey(job.ID, string(spec.ReportType), c.now())
	location, err = c.results.Put(ctx, key, data, "application/json")
	if err != nil {
		return "", &domain.ExecutionError{Op: "store result", Err: err}
	}
	return location, nil
}

func (c *Coordinator) fail(ctx context.Context, jobID string, cause error) {
	reason := cause.Error()
	logger.Error("[worker.Coordinator] job failed", "job_id", jobID, "error", reason)
	dctx, cancel := detach(ctx)
	defer cancel()
	if err := c.svc.Fail(dctx, jobID, reason); err != nil {
		logger.Error("[worker.Coordinator] recording failure", "job_id", jobID, "error", err)
	}
}

// detach keeps request values but survives cancellation, so a job that was
// cancelled mid-run can still be moved out of processing.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
