package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/pkg/metrics"
	"github.com/ignite/adreport/internal/strategy"
)

// Service implements the job state machine and the submission path. All
// public methods are safe for concurrent use if the underlying repository
// is concurrency-safe.
type Service struct {
	repo       Repository
	strategies *strategy.Registry
	formulas   *formula.Registry
	metricDB   MetricStore
	dispatcher Dispatcher
	results    ResultReader
	now        func() time.Time
}

// NewService creates a report service backed by the given repository.
func NewService(repo Repository, strategies *strategy.Registry, formulas *formula.Registry) *Service {
	return &Service{
		repo:       repo,
		strategies: strategies,
		formulas:   formulas,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithDispatcher sets the dispatcher Submit enqueues to.
func (s *Service) WithDispatcher(d Dispatcher) *Service {
	s.dispatcher = d
	return s
}

// WithResults sets where Download reads stored results from.
func (s *Service) WithResults(r ResultReader) *Service {
	s.results = r
	return s
}

// WithMetricStore sets where custom metric definitions are persisted.
func (s *Service) WithMetricStore(m MetricStore) *Service {
	s.metricDB = m
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Strategies returns the strategy registry.
func (s *Service) Strategies() *strategy.Registry { return s.strategies }

// Formulas returns the custom metric registry.
func (s *Service) Formulas() *formula.Registry { return s.formulas }

// Validate checks spec structure, the date range and that every metric
// resolves for the spec's report type and scope.
func (s *Service) Validate(spec *domain.JobSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	_, err := s.strategies.Plan(spec, s.formulas)
	return err
}

// Create validates spec and persists a new pending job. The formulas of
// the custom metrics it names are copied into the job, so every process
// executing it computes the same thing.
func (s *Service) Create(ctx context.Context, spec domain.JobSpec) (*domain.ReportJob, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		spec.Name = spec.DisplayName()
	}
	spec.CustomMetrics = nil
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	plan, err := s.strategies.Plan(&spec, s.formulas)
	if err != nil {
		return nil, err
	}
	spec.CustomMetrics = plan.CustomDefs()

	job := &domain.ReportJob{
		ID:        uuid.New().String(),
		Spec:      spec,
		Status:    domain.JobPending,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create report job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobPending)).Inc()
	return job, nil
}

// Submit creates the job and hands it to the dispatcher. A failed enqueue
// is logged and leaves the job pending for the worker's pending sweep.
func (s *Service) Submit(ctx context.Context, spec domain.JobSpec) (*domain.ReportJob, error) {
	job, err := s.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if s.dispatcher == nil {
		return job, nil
	}
	if err := s.dispatcher.Enqueue(ctx, job.ID); err != nil {
		logger.Warn("[report.Service] enqueue failed, job left pending", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Get returns a single job.
func (s *Service) Get(ctx context.Context, id string) (*domain.ReportJob, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.ReportJob, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != "" {
		switch domain.JobStatus(f.Status) {
		case domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
		default:
			return nil, 0, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
		}
	}
	return s.repo.List(ctx, f)
}

// PlanJob resolves a job for execution. Custom metrics come from the
// formulas copied into the job at creation. Jobs without a copy resolve
// against the registry, which is reloaded from the metric store once when
// a name is missing.
func (s *Service) PlanJob(ctx context.Context, job *domain.ReportJob) (*strategy.Plan, error) {
	spec := &job.Spec
	if len(spec.CustomMetrics) > 0 {
		snap, err := formula.NewSnapshot(spec.CustomMetrics)
		if err != nil {
			return nil, err
		}
		return s.strategies.Plan(spec, snap)
	}

	plan, err := s.strategies.Plan(spec, s.formulas)
	var fe *domain.FormulaError
	if err == nil || s.metricDB == nil || !errors.As(err, &fe) {
		return plan, err
	}
	if _, lerr := s.LoadMetrics(ctx); lerr != nil {
		logger.Warn("[report.Service] reloading custom metrics", "job_id", job.ID, "error", lerr)
		return nil, err
	}
	return s.strategies.Plan(spec, s.formulas)
}

// Claim attempts the pending -> processing transition for workerID. A
// false result means another worker won or the job is no longer pending.
func (s *Service) Claim(ctx context.Context, id, workerID string) (bool, error) {
	ok, err := s.repo.Claim(ctx, id, workerID, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.ClaimConflicts.Inc()
		return false, nil
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobProcessing)).Inc()
	return true, nil
}

// Complete records the result location of a processing job.
func (s *Service) Complete(ctx context.Context, id, location string) error {
	if location == "" {
		return &domain.ValidationError{Field: "result_location", Reason: "is required"}
	}
	if err := s.repo.Complete(ctx, id, location, s.now()); err != nil {
		return err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobCompleted)).Inc()
	return nil
}

// Fail records the failure reason of a processing job.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	if err := s.repo.Fail(ctx, id, reason, s.now()); err != nil {
		return err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobFailed)).Inc()
	return nil
}

// Reap fails the job with reason "timeout" if it has been processing
// longer than timeout.
func (s *Service) Reap(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	now := s.now()
	ok, err := s.repo.Reap(ctx, id, now.Add(-timeout), now)
	if err != nil || !ok {
		return false, err
	}
	metrics.JobTransitions.WithLabelValues(string(domain.JobFailed)).Inc()
	metrics.ReapedJobs.Inc()
	return true, nil
}

// ReapStale reaps up to limit jobs stuck in processing and returns how
// many were failed.
func (s *Service) ReapStale(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	ids, err := s.repo.ListStale(ctx, s.now().Add(-timeout), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	reaped := 0
	for _, id := range ids {
		ok, err := s.Reap(ctx, id, timeout)
		if err != nil {
			logger.Error("[report.Service] reap failed", "job_id", id, "error", err)
			continue
		}
		if ok {
			logger.Warn("[report.Service] reaped stuck job", "job_id", id, "timeout", timeout)
			reaped++
		}
	}
	return reaped, nil
}

// PendingIDs returns up to limit pending job ids, oldest first.
func (s *Service) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	return s.repo.ListPending(ctx, limit)
}

// Download renders a completed job's stored result in the requested
// format.
func (s *Service) Download(ctx context.Context, id string, format export.Format) (*export.Result, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobCompleted {
		return nil, domain.ErrDownloadNotReady
	}
	if s.results == nil {
		return nil, errors.New("no result store configured")
	}
	data, err := s.results.Get(ctx, job.ResultLocation)
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", job.ResultLocation, err)
	}
	table, err := export.UnmarshalEnvelope(data)
	if err != nil {
		return nil, err
	}
	return export.Render(table, format, job.ID)
}

// RegisterMetric compiles and persists a custom metric, then makes it
// visible to new jobs.
func (s *Service) RegisterMetric(ctx context.Context, def domain.CustomMetricDef) (*domain.CustomMetricDef, error) {
	def.Name = strings.TrimSpace(def.Name)
	m, err := s.formulas.Compile(def)
	if err != nil {
		return nil, err
	}
	if s.metricDB != nil {
		if err := s.metricDB.SaveCustomMetric(ctx, m.Def); err != nil {
			return nil, fmt.Errorf("save custom metric: %w", err)
		}
	}
	s.formulas.Add(m)
	logger.Info("[report.Service] custom metric registered", "name", m.Def.Name, "advertiser_id", m.Def.AdvertiserID)
	return &m.Def, nil
}

// LoadMetrics registers every persisted custom metric.
func (s *Service) LoadMetrics(ctx context.Context) (int, error) {
	if s.metricDB == nil {
		return 0, nil
	}
	defs, err := s.metricDB.ListCustomMetrics(ctx)
	if err != nil {
		return 0, fmt.Errorf("list custom metrics: %w", err)
	}
	if err := s.formulas.Load(defs); err != nil {
		return 0, err
	}
	return len(defs), nil
}

// ListMetrics returns the custom metrics visible to an advertiser scope.
func (s *Service) ListMetrics(scope int64) []domain.CustomMetricDef {
	return s.formulas.List(scope)
}
