package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/service/report"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, r *JobRepo, id string, adv int64, created time.Time) {
	t.Helper()
	require.NoError(t, r.Create(context.Background(), &domain.ReportJob{
		ID:        id,
		Spec:      domain.JobSpec{ReportType: domain.ReportCampaign, AdvertiserID: adv},
		Status:    domain.JobPending,
		CreatedAt: created,
	}))
}

func TestJobRepo_CreateRejectsDuplicates(t *testing.T) {
	r := NewJobRepo()
	seed(t, r, "a", 1, t0)
	err := r.Create(context.Background(), &domain.ReportJob{ID: "a"})
	assert.Error(t, err)
	assert.Error(t, r.Create(context.Background(), &domain.ReportJob{}))
}

func TestJobRepo_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "a", 1, t0)

	j, err := r.Get(ctx, "a")
	require.NoError(t, err)
	j.Status = domain.JobFailed

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, again.Status)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_ClaimIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "a", 1, t0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Claim(ctx, "a", "w", t0)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	j, _ := r.Get(ctx, "a")
	assert.Equal(t, domain.JobProcessing, j.Status)
	assert.Equal(t, "w", j.WorkerID)
	require.NotNil(t, j.ProcessingStartedAt)

	_, err := r.Claim(ctx, "missing", "w", t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_TerminalTransitions(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "a", 1, t0)

	assert.ErrorIs(t, r.Complete(ctx, "a", "mem://x", t0), domain.ErrInvalidTransition)

	_, err := r.Claim(ctx, "a", "w", t0)
	require.NoError(t, err)
	require.NoError(t, r.Complete(ctx, "a", "mem://x", t0.Add(time.Second)))

	assert.ErrorIs(t, r.Fail(ctx, "a", "late", t0), domain.ErrInvalidTransition)
	assert.ErrorIs(t, r.Fail(ctx, "missing", "x", t0), domain.ErrNotFound)

	j, _ := r.Get(ctx, "a")
	assert.Equal(t, domain.JobCompleted, j.Status)
	assert.Equal(t, "mem://x", j.ResultLocation)
	assert.Empty(t, j.Error)
}

func TestJobRepo_ReapAndListStale(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "old", 1, t0)
	seed(t, r, "new", 1, t0.Add(time.Minute))
	_, _ = r.Claim(ctx, "old", "w", t0)
	_, _ = r.Claim(ctx, "new", "w", t0.Add(20*time.Minute))

	cutoff := t0.Add(10 * time.Minute)
	ids, err := r.ListStale(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	ok, err := r.Reap(ctx, "new", cutoff, cutoff)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Reap(ctx, "old", cutoff, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)
	j, _ := r.Get(ctx, "old")
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, domain.ReapReason, j.Error)

	ok, err = r.Reap(ctx, "old", cutoff, cutoff)
	require.NoError(t, err)
	assert.False(t, ok, "a failed job is not reaped twice")
}

func TestJobRepo_ListPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "b", 1, t0.Add(time.Minute))
	seed(t, r, "a", 1, t0)
	seed(t, r, "c", 1, t0.Add(2*time.Minute))

	ids, err := r.ListPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestJobRepo_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepo()
	seed(t, r, "a", 1, t0)
	seed(t, r, "b", 1, t0.Add(time.Minute))
	seed(t, r, "c", 2, t0.Add(2*time.Minute))

	jobs, total, err := r.List(ctx, report.ListFilter{AdvertiserID: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID, "newest first")

	jobs, total, err = r.List(ctx, report.ListFilter{Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, jobs)
}

func TestMetricRepo_UpsertByScopeAndName(t *testing.T) {
	ctx := context.Background()
	r := NewMetricRepo()
	require.NoError(t, r.SaveCustomMetric(ctx, domain.CustomMetricDef{Name: "m", Formula: "clicks", AdvertiserID: 1}))
	require.NoError(t, r.SaveCustomMetric(ctx, domain.CustomMetricDef{Name: "m", Formula: "clicks", AdvertiserID: 2}))
	require.NoError(t, r.SaveCustomMetric(ctx, domain.CustomMetricDef{Name: "m", Formula: "impressions", AdvertiserID: 1}))

	defs, err := r.ListCustomMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "impressions", defs[0].Formula)
	assert.Equal(t, int64(2), defs[1].AdvertiserID)
}
