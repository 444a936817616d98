package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adreport/internal/dispatch"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/pkg/distlock"
	"github.com/ignite/adreport/internal/repository/memory"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/ignite/adreport/internal/stats"
	"github.com/ignite/adreport/internal/storage"
	"github.com/ignite/adreport/internal/strategy"
)

func ptr(v int64) *int64 { return &v }

type harness struct {
	svc     *report.Service
	repo    *memory.JobRepo
	store   *stats.MemoryStore
	results *storage.MemoryStore
	coord   *Coordinator
	clock   *time.Time
}

func newHarness() *harness {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		repo:    memory.NewJobRepo(),
		results: storage.NewMemoryStore(),
		clock:   &now,
		store: stats.NewMemoryStore(
			domain.StatRow{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), AdvertiserID: 7, CampaignID: ptr(1),
				Counters: domain.Counters{Impressions: 1000, Clicks: 50, Spend: 10}},
			domain.StatRow{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), AdvertiserID: 7, CampaignID: ptr(1),
				Counters: domain.Counters{Impressions: 2000, Clicks: 100, Spend: 20}},
		),
	}
	h.svc = report.NewService(h.repo, strategy.NewRegistry(strategy.DefaultTakeRate), formula.NewRegistry()).
		WithResults(h.results).
		WithClock(func() time.Time { return *h.clock })
	h.coord = NewCoordinator(h.svc, h.store, h.results, "w-test", time.Minute)
	h.coord.now = func() time.Time { return *h.clock }
	return h
}

func campaignSpec() domain.JobSpec {
	return domain.JobSpec{
		ReportType:   domain.ReportCampaign,
		StartDate:    domain.NewDate(2024, 1, 1),
		EndDate:      domain.NewDate(2024, 1, 31),
		Metrics:      []string{domain.MetricImpressions, domain.MetricClicks, domain.MetricCTR},
		Dimensions:   []string{domain.DimCampaignID},
		GroupBy:      []string{domain.DimCampaignID},
		AdvertiserID: 7,
	}
}

// insert stores a pending job directly, bypassing submission checks.
func (h *harness) insert(t *testing.T, spec domain.JobSpec) string {
	t.Helper()
	id := fmt.Sprintf("job-%d", time.Now().UnixNano())
	require.NoError(t, h.repo.Create(context.Background(), &domain.ReportJob{
		ID: id, Spec: spec, Status: domain.JobPending, CreatedAt: *h.clock,
	}))
	return id
}

func TestExecute_Completes(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)

	assert.Equal(t, domain.JobCompleted, h.coord.Execute(ctx, job.ID))

	got, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "w-test", got.WorkerID)
	assert.Equal(t, "mem://reports/"+job.ID+"/campaign_20240301_120000.json", got.ResultLocation)
	require.NotNil(t, got.ProcessingCompletedAt)

	res, err := h.svc.Download(ctx, job.ID, export.CSV)
	require.NoError(t, err)
	assert.Equal(t, "campaign_id,impressions,clicks,ctr\n1,3000,150,0.05\n", string(res.Data))
}

func TestExecute_LostClaimIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)

	require.Equal(t, domain.JobCompleted, h.coord.Execute(ctx, job.ID))
	assert.Equal(t, domain.JobStatus(""), h.coord.Execute(ctx, job.ID))
	assert.Equal(t, int64(1), h.store.QueryCount(), "duplicate delivery must not extract again")

	assert.Equal(t, domain.JobStatus(""), h.coord.Execute(ctx, "does-not-exist"))
}

func TestExecute_UnregisteredMetricFailsBeforeExtraction(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	spec := campaignSpec()
	spec.Metrics = append(spec.Metrics, "roas_custom")
	id := h.insert(t, spec)

	assert.Equal(t, domain.JobFailed, h.coord.Execute(ctx, id))
	assert.Equal(t, int64(0), h.store.QueryCount())
	assert.Equal(t, 0, h.results.Len())

	got, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.Error, "roas_custom")
}

func TestExecute_StoreFailureRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.store.FailWith(errors.New("warehouse unavailable"))
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailed, h.coord.Execute(ctx, job.ID))
	got, _ := h.svc.Get(ctx, job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Contains(t, got.Error, "warehouse unavailable")
	assert.Empty(t, got.ResultLocation)
}

type panickingStore struct{}

func (panickingStore) Query(context.Context, stats.Query) ([]domain.StatRow, error) {
	panic("driver exploded")
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	coord := NewCoordinator(h.svc, panickingStore{}, h.results, "w-panic", 0)
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailed, coord.Execute(ctx, job.ID))
	got, _ := h.svc.Get(ctx, job.ID)
	assert.Contains(t, got.Error, "panic: driver exploded")
}

type brokenResults struct{}

func (brokenResults) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket gone")
}

func (brokenResults) Get(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func TestExecute_ResultWriteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	coord := NewCoordinator(h.svc, h.store, brokenResults{}, "w1", 0)
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailed, coord.Execute(ctx, job.ID))
	got, _ := h.svc.Get(ctx, job.ID)
	assert.Contains(t, got.Error, "store result")
	assert.Contains(t, got.Error, "bucket gone")
}

func TestPool_ConsumesQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	queue := dispatch.NewMemoryQueue(16)
	h.svc.WithDispatcher(queue)

	pool := NewPool(h.coord, queue, h.svc, PoolConfig{Concurrency: 2, PollWait: 10 * time.Millisecond})
	pool.Start(ctx)
	defer pool.Stop()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := h.svc.Submit(ctx, campaignSpec())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Completed == 3
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		got, _ := h.svc.Get(ctx, id)
		assert.Equal(t, domain.JobCompleted, got.Status)
	}
	assert.Equal(t, int64(3), pool.Stats().Received)
}

func TestPool_SweepRecoversUnqueuedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	queue := dispatch.NewMemoryQueue(1)
	pool := NewPool(h.coord, queue, h.svc, PoolConfig{Concurrency: 1, SweepBatch: 10})

	// submitted without a dispatcher: nothing is queued
	for i := 0; i < 2; i++ {
		_, err := h.svc.Submit(ctx, campaignSpec())
		require.NoError(t, err)
	}

	assert.Equal(t, 2, pool.Sweep(ctx))
	st := pool.Stats()
	assert.Equal(t, int64(2), st.Completed)
	assert.Equal(t, int64(2), st.Swept)

	assert.Equal(t, 0, pool.Sweep(ctx), "nothing left pending")
}

func TestPool_StopIsIdempotent(t *testing.T) {
	h := newHarness()
	pool := NewPool(h.coord, dispatch.NewMemoryQueue(1), h.svc, PoolConfig{PollWait: 10 * time.Millisecond, SweepInterval: time.Hour})
	pool.Stop()
	pool.Start(context.Background())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}

func TestReaper_Sweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	job, err := h.svc.Create(ctx, campaignSpec())
	require.NoError(t, err)
	won, err := h.svc.Claim(ctx, job.ID, "crashed-worker")
	require.NoError(t, err)
	require.True(t, won)

	lock := &distlock.LocalLock{}
	reaper := NewReaper(h.svc, lock, "@every 1m", 30*time.Minute, 10)

	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not stale yet")

	*h.clock = h.clock.Add(31 * time.Minute)

	// another instance holds the lock
	held, _ := lock.Acquire(ctx)
	require.True(t, held)
	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, lock.Release(ctx))

	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.svc.Get(ctx, job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, domain.ReapReason, got.Error)
}

func TestReaper_Schedule(t *testing.T) {
	h := newHarness()
	bad := NewReaper(h.svc, &distlock.LocalLock{}, "not a schedule", time.Minute, 0)
	assert.Error(t, bad.Start(context.Background()))

	good := NewReaper(h.svc, &distlock.LocalLock{}, "@every 1h", time.Minute, 0)
	require.NoError(t, good.Start(context.Background()))
	good.Stop()
}

// gatedStore blocks every query until released or ctx is done.
type gatedStore struct {
	*stats.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Query(ctx context.Context, q stats.Query) ([]domain.StatRow, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.Query(ctx, q)
}

func TestPool_StopLetsInFlightJobFinish(t *testing.T) {
	h := newHarness()
	store := &gatedStore{MemoryStore: h.store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	coord := NewCoordinator(h.svc, store, h.results, "w-drain", time.Minute)
	queue := dispatch.NewMemoryQueue(4)
	h.svc.WithDispatcher(queue)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(coord, queue, h.svc, PoolConfig{Concurrency: 1, PollWait: 10 * time.Millisecond})
	pool.Start(ctx)

	job, err := h.svc.Submit(context.Background(), campaignSpec())
	require.NoError(t, err)
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the statistics store")
	}

	// shutdown as the worker binary does it
	cancel()
	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	<-stopped

	got, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, int64(1), pool.Stats().Completed)
}

func TestExecute_CustomMetricRegisteredInAnotherProcess(t *testing.T) {
	ctx := context.Background()
	jobs := memory.NewJobRepo()
	metricStore := memory.NewMetricRepo()
	results := storage.NewMemoryStore()
	newService := func() *report.Service {
		strategies := strategy.NewRegistry(strategy.DefaultTakeRate)
		svc := report.NewService(jobs, strategies, formula.NewRegistry(strategies.ExtraNames()...)).
			WithResults(results).
			WithMetricStore(metricStore)
		_, err := svc.LoadMetrics(ctx)
		require.NoError(t, err)
		return svc
	}
	server, workerSvc := newService(), newService()
	h := newHarness()
	coord := NewCoordinator(workerSvc, h.store, results, "w-remote", time.Minute)

	_, err := server.RegisterMetric(ctx, domain.CustomMetricDef{Name: "cpv", Formula: "spend / impressions * 1000", AdvertiserID: 7})
	require.NoError(t, err)
	spec := campaignSpec()
	spec.Metrics = append(spec.Metrics, "cpv")
	job, err := server.Submit(ctx, spec)
	require.NoError(t, err)

	// the server redefines the metric before the worker picks the job up
	_, err = server.RegisterMetric(ctx, domain.CustomMetricDef{Name: "cpv", Formula: "spend", AdvertiserID: 7})
	require.NoError(t, err)

	require.Equal(t, domain.JobCompleted, coord.Execute(ctx, job.ID))
	res, err := server.Download(ctx, job.ID, export.CSV)
	require.NoError(t, err)
	assert.Equal(t, "campaign_id,impressions,clicks,ctr,cpv\n1,3000,150,0.05,10\n", string(res.Data))
}
