package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/repository/memory"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/ignite/adreport/internal/stats"
	"github.com/ignite/adreport/internal/storage"
	"github.com/ignite/adreport/internal/strategy"
	"github.com/ignite/adreport/internal/worker"
)

type testServer struct {
	handler http.Handler
	svc     *report.Service
	coord   *worker.Coordinator
	queued  []string
}

func (s *testServer) Enqueue(_ context.Context, id string) error {
	s.queued = append(s.queued, id)
	return nil
}

func ptr(v int64) *int64 { return &v }

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	results := storage.NewMemoryStore()
	store := stats.NewMemoryStore(
		domain.StatRow{Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), AdvertiserID: 7, CampaignID: ptr(1),
			Counters: domain.Counters{Impressions: 1000, Clicks: 50}},
		domain.StatRow{Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), AdvertiserID: 7, CampaignID: ptr(2),
			Counters: domain.Counters{Impressions: 400, Clicks: 4}},
	)
	ts := &testServer{}
	ts.svc = report.NewService(memory.NewJobRepo(), strategy.NewRegistry(0), formula.NewRegistry()).
		WithResults(results).
		WithMetricStore(memory.NewMetricRepo()).
		WithDispatcher(ts)
	ts.coord = worker.NewCoordinator(ts.svc, store, results, "api-test", 0)
	srv := NewServer(config.ServerConfig{AllowedOrigins: []string{"*"}}, NewHandlers(ts.svc), nil)
	ts.handler = srv.Handler()
	return ts
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

const submitBody = `{
	"report_type": "campaign",
	"start_date": "2024-01-01",
	"end_date": "2024-01-31",
	"metrics": ["impressions", "clicks", "ctr"],
	"dimensions": ["campaign_id"],
	"sort_by": [{"field": "ctr", "direction": "desc"}],
	"advertiser_id": 7
}`

func submit(t *testing.T, s *testServer) domain.JobDescriptor {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/reports", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var d domain.JobDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

func TestSubmit_Accepted(t *testing.T) {
	s := setupTestServer(t)
	d := submit(t, s)

	assert.NotEmpty(t, d.ID)
	assert.Equal(t, domain.JobPending, d.Status)
	assert.Equal(t, []string{d.ID}, s.queued)
}

func TestSubmit_ClientErrors(t *testing.T) {
	s := setupTestServer(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"range too wide", strings.Replace(submitBody, "2024-01-31", "2024-04-01", 1), "date_range_exceeded"},
		{"unregistered metric", strings.Replace(submitBody, `"ctr"]`, `"ctr", "roas_custom"]`, 1), "invalid_metric"},
		{"unknown report type", strings.Replace(submitBody, `"campaign"`, `"household"`, 1), "validation_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/reports", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.code)
		})
	}

	rec := s.do(t, http.MethodPost, "/api/reports", `{"report_type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.queued)
}

func TestSubmit_PlatformRequiresUnscopedCaller(t *testing.T) {
	s := setupTestServer(t)
	body := strings.Replace(submitBody, `"campaign"`, `"platform"`, 1)
	body = strings.Replace(body, `["campaign_id"]`, `["date"]`, 1)

	rec := s.do(t, http.MethodPost, "/api/reports", body, AdvertiserHeader, "7")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, s.queued)

	rec = s.do(t, http.MethodPost, "/api/reports", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, s.queued, 1)
}

func TestGetAndDownload(t *testing.T) {
	s := setupTestServer(t)
	d := submit(t, s)

	rec := s.do(t, http.MethodGet, "/api/reports/"+d.ID+"/download", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "pending job is not downloadable")

	require.Equal(t, domain.JobCompleted, s.coord.Execute(context.Background(), d.ID))

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.JobDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.NotEmpty(t, got.ResultLocation)

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID+"/download?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report_"+d.ID+".csv")
	// sorted by ctr descending: campaign 1 (0.05) before campaign 2 (0.01)
	assert.Equal(t, "campaign_id,impressions,clicks,ctr\n1,1000,50,0.05\n2,400,4,0.01\n", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID+"/download?format=excel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID+"/download?format=pdf", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGet_NotFoundAndScope(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/reports/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	d := submit(t, s)
	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID, "", AdvertiserHeader, "8")
	assert.Equal(t, http.StatusNotFound, rec.Code, "other advertisers cannot see the job")

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID, "", AdvertiserHeader, "7")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/reports/"+d.ID, "", AdvertiserHeader, "seven")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList(t *testing.T) {
	s := setupTestServer(t)
	for i := 0; i < 3; i++ {
		submit(t, s)
	}

	rec := s.do(t, http.MethodGet, "/api/reports?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Reports, 2)
	assert.Equal(t, 2, out.Limit)

	rec = s.do(t, http.MethodGet, "/api/reports?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/reports?advertiser_id=9", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Total)
}

func TestTemplates(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/reports/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Templates []strategy.Template `json:"templates"`
		Formats   []string            `json:"formats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Templates, 4)
	assert.Equal(t, []string{"csv", "excel", "json"}, out.Formats)
}

func TestCustomMetrics(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/custom-metrics", `{"name":"click_value","formula":"clicks * 2"}`, AdvertiserHeader, "7")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/custom-metrics", `{"name":"broken","formula":"clicks +"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_metric")

	rec = s.do(t, http.MethodGet, "/api/custom-metrics?advertiser_id=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "click_value")

	rec = s.do(t, http.MethodGet, "/api/custom-metrics?advertiser_id=8", "")
	assert.NotContains(t, rec.Body.String(), "click_value")

	// the registered metric is now accepted for advertiser 7
	body := strings.Replace(submitBody, `"ctr"]`, `"ctr", "click_value"]`, 1)
	rec = s.do(t, http.MethodPost, "/api/reports", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	submit(t, s)
	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adreport_job_transitions_total")
}

func TestHealth(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := setupTestServer(t)
	hc := NewHealthChecker(db, rdb, nil, "", s.svc)
	srv := NewServer(config.ServerConfig{AllowedOrigins: []string{"*"}}, NewHandlers(s.svc), hc)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var hs HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, "healthy", hs.Status)
	assert.Equal(t, "up", hs.Checks["database"].Status)
	assert.Equal(t, "up", hs.Checks["redis"].Status)
	assert.Equal(t, "not_configured", hs.Checks["s3"].Status)
	assert.Equal(t, "up", hs.Checks["workers"].Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "up"}, "s3": {Status: "not_configured"}}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "down"}}))
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{"database": {Status: "down"}, "redis": {Status: "up"}}))
}
