package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobCols = []string{
	"id", "spec", "status", "result_location", "error_message", "worker_id",
	"created_at", "processing_started_at", "processing_completed_at",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func sampleSpec() domain.JobSpec {
	return domain.JobSpec{
		Name:         "campaign report",
		ReportType:   domain.ReportCampaign,
		StartDate:    domain.NewDate(2024, 1, 1),
		EndDate:      domain.NewDate(2024, 1, 7),
		Metrics:      []string{domain.MetricClicks},
		AdvertiserID: 7,
	}
}

func TestJobRepo_Create(t *testing.T) {
	db, mock := newMock(t)
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO report_jobs")).
		WithArgs("job-1", int64(7), "campaign", "campaign report", sqlmock.AnyArg(), "pending", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewJobRepo(db).Create(context.Background(), &domain.ReportJob{
		ID: "job-1", Spec: sampleSpec(), Status: domain.JobPending, CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Get(t *testing.T) {
	db, mock := newMock(t)
	spec, _ := json.Marshal(sampleSpec())
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM report_jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", spec, "processing", "", "", "w-1", created, started, nil))

	job, err := NewJobRepo(db).Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, job.Status)
	assert.Equal(t, "w-1", job.WorkerID)
	assert.Equal(t, domain.ReportCampaign, job.Spec.ReportType)
	assert.Equal(t, 6, job.Spec.RangeDays())
	require.NotNil(t, job.ProcessingStartedAt)
	assert.True(t, started.Equal(*job.ProcessingStartedAt))
	assert.Nil(t, job.ProcessingCompletedAt)
}

func TestJobRepo_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM report_jobs WHERE id = $1")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := NewJobRepo(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_List(t *testing.T) {
	db, mock := newMock(t)
	spec, _ := json.Marshal(sampleSpec())
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM report_jobs WHERE 1=1 AND advertiser_id = $1 AND status = $2")).
		WithArgs(int64(7), "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $3 OFFSET $4")).
		WithArgs(int64(7), "completed", 2, 0).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-2", spec, "completed", "s3://b/k", "", "w", created, created, created).
			AddRow("job-1", spec, "completed", "s3://b/j", "", "w", created, created, created))

	jobs, total, err := NewJobRepo(db).List(context.Background(), report.ListFilter{AdvertiserID: 7, Status: "completed", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, "s3://b/k", jobs[0].ResultLocation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_Claim(t *testing.T) {
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	claimSQL := regexp.QuoteMeta("WHERE id = $1 AND status = 'pending'")
	existsSQL := regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM report_jobs WHERE id = $1)")

	t.Run("wins", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(claimSQL).WithArgs("job-1", "w-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
		ok, err := NewJobRepo(db).Claim(context.Background(), "job-1", "w-1", at)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("already claimed", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(claimSQL).WithArgs("job-1", "w-2", at).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(existsSQL).WithArgs("job-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		ok, err := NewJobRepo(db).Claim(context.Background(), "job-1", "w-2", at)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown job", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(claimSQL).WithArgs("ghost", "w-1", at).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(existsSQL).WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		_, err := NewJobRepo(db).Claim(context.Background(), "ghost", "w-1", at)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestJobRepo_CompleteAndFail(t *testing.T) {
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	db, mock := newMock(t)
	repo := NewJobRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed'")).
		WithArgs("job-1", "s3://b/k", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(context.Background(), "job-1", "s3://b/k", at))

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', error_message = $2")).
		WithArgs("job-1", "boom", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	err := repo.Fail(context.Background(), "job-1", "boom", at)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ReapAndListStale(t *testing.T) {
	at := time.Date(2024, 2, 1, 1, 0, 0, 0, time.UTC)
	before := at.Add(-30 * time.Minute)
	db, mock := newMock(t)
	repo := NewJobRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'processing' AND processing_started_at < $1")).
		WithArgs(before, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1").AddRow("job-2"))
	ids, err := repo.ListStale(context.Background(), before, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, ids)

	mock.ExpectExec(regexp.QuoteMeta("AND processing_started_at < $3")).
		WithArgs("job-1", domain.ReapReason, before, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.Reap(context.Background(), "job-1", before, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepo_ListPending(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'pending'")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-9"))

	ids, err := NewJobRepo(db).ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-9"}, ids)
}

func TestCustomMetricRepo(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCustomMetricRepo(db)
	created := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	def := domain.CustomMetricDef{Name: "cpv", Formula: "spend / video_starts", AdvertiserID: 7, CreatedAt: created}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (advertiser_id, name)")).
		WithArgs(int64(7), "cpv", "spend / video_starts", "", created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveCustomMetric(context.Background(), def))

	mock.ExpectQuery(regexp.QuoteMeta("FROM custom_metrics")).
		WillReturnRows(sqlmock.NewRows([]string{"advertiser_id", "name", "formula", "description", "created_at"}).
			AddRow(7, "cpv", "spend / video_starts", "cost per view", created))
	defs, err := repo.ListCustomMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "cost per view", defs[0].Description)
	assert.NoError(t, mock.ExpectationsWereMet())
}
