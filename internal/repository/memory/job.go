// Package memory provides mutex-guarded, in-process implementations of the
// report repositories. They back the CLI, local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/service/report"
)

// JobRepo is an in-memory report.Repository.
type JobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.ReportJob
}

// NewJobRepo creates an empty job repository.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*domain.ReportJob)}
}

func (r *JobRepo) Create(_ context.Context, job *domain.ReportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		return fmt.Errorf("id required")
	}
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	r.jobs[cp.ID] = &cp
	return nil
}

func (r *JobRepo) Get(_ context.Context, id string) (*domain.ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) List(_ context.Context, f report.ListFilter) ([]domain.ReportJob, int, error) {
	r.mu.Lock()
	var out []domain.ReportJob
	for _, j := range r.jobs {
		if f.AdvertiserID != 0 && j.Spec.AdvertiserID != f.AdvertiserID {
			continue
		}
		if f.Status != "" && string(j.Status) != f.Status {
			continue
		}
		out = append(out, *j)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

// Claim is the compare-and-set: the status check and the write happen under
// the same lock.
func (r *JobRepo) Claim(_ context.Context, id, workerID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.Status != domain.JobPending {
		return false, nil
	}
	started := at
	j.Status = domain.JobProcessing
	j.WorkerID = workerID
	j.ProcessingStartedAt = &started
	return true, nil
}

func (r *JobRepo) Complete(_ context.Context, id, location string, at time.Time) error {
	return r.finish(id, at, func(j *domain.ReportJob) {
		j.Status = domain.JobCompleted
		j.ResultLocation = location
	})
}

func (r *JobRepo) Fail(_ context.Context, id, reason string, at time.Time) error {
	return r.finish(id, at, func(j *domain.ReportJob) {
		j.Status = domain.JobFailed
		j.Error = reason
	})
}

func (r *JobRepo) finish(id string, at time.Time, apply func(*domain.ReportJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.JobProcessing {
		return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, j.Status)
	}
	done := at
	apply(j)
	j.ProcessingCompletedAt = &done
	return nil
}

func (r *JobRepo) Reap(_ context.Context, id string, startedBefore, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !stale(j, startedBefore) {
		return false, nil
	}
	done := at
	j.Status = domain.JobFailed
	j.Error = domain.ReapReason
	j.ProcessingCompletedAt = &done
	return true, nil
}

func (r *JobRepo) ListStale(_ context.Context, startedBefore time.Time, limit int) ([]string, error) {
	return r.collect(limit, func(j *domain.ReportJob) bool { return stale(j, startedBefore) }), nil
}

func (r *JobRepo) ListPending(_ context.Context, limit int) ([]string, error) {
	return r.collect(limit, func(j *domain.ReportJob) bool { return j.Status == domain.JobPending }), nil
}

// collect returns matching ids, oldest first.
func (r *JobRepo) collect(limit int, match func(*domain.ReportJob) bool) []string {
	r.mu.Lock()
	var hits []*domain.ReportJob
	for _, j := range r.jobs {
		if match(j) {
			hits = append(hits, j)
		}
	}
	sort.Slice(hits, func(i, k int) bool { return hits[i].CreatedAt.Before(hits[k].CreatedAt) })
	ids := make([]string, 0, len(hits))
	for _, j := range hits {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, j.ID)
	}
	r.mu.Unlock()
	return ids
}

func stale(j *domain.ReportJob, startedBefore time.Time) bool {
	return j.Status == domain.JobProcessing &&
		j.ProcessingStartedAt != nil &&
		j.ProcessingStartedAt.Before(startedBefore)
}
