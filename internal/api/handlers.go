package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/pkg/httputil"
	"github.com/ignite/adreport/internal/service/report"
)

// AdvertiserHeader carries the caller's advertiser scope when an upstream
// gateway has authenticated the request. When present it overrides any
// advertiser_id in the request.
const AdvertiserHeader = "X-Advertiser-ID"

// Handlers holds the report endpoints.
type Handlers struct {
	svc *report.Service
}

// NewHandlers creates the report handlers.
func NewHandlers(svc *report.Service) *Handlers {
	return &Handlers{svc: svc}
}

// ListResponse is the body of GET /api/reports.
type ListResponse struct {
	Reports []domain.JobDescriptor `json:"reports"`
	Total   int                    `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// scope reads the advertiser scope header. ok is false, and a 400 has been
// written, when the header is malformed.
func scope(w http.ResponseWriter, r *http.Request) (int64, bool, bool) {
	raw := strings.TrimSpace(r.Header.Get(AdvertiserHeader))
	if raw == "" {
		return 0, false, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid "+AdvertiserHeader+" header")
		return 0, false, false
	}
	return id, true, true
}

// HandleSubmit creates a report job and dispatches it.
//
//	POST /api/reports
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec domain.JobSpec
	if !httputil.Decode(w, r, &spec) {
		return
	}
	adv, scoped, ok := scope(w, r)
	if !ok {
		return
	}
	if scoped {
		// platform reports span every advertiser
		if spec.ReportType == domain.ReportPlatform {
			httputil.Forbidden(w, "platform reports are not available to advertiser-scoped requests")
			return
		}
		spec.AdvertiserID = adv
	}

	job, err := h.svc.Submit(r.Context(), spec)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Accepted(w, job.Descriptor())
}

// HandleList lists report jobs, newest first.
//
//	GET /api/reports?status=&advertiser_id=&limit=&offset=
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.QueryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := httputil.QueryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	adv, ok := httputil.QueryInt(w, r, "advertiser_id", 0)
	if !ok {
		return
	}
	f := report.ListFilter{
		AdvertiserID: int64(adv),
		Status:       r.URL.Query().Get("status"),
		Limit:        limit,
		Offset:       offset,
	}
	if id, scoped, ok := scope(w, r); !ok {
		return
	} else if scoped {
		f.AdvertiserID = id
	}

	jobs, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	out := ListResponse{Reports: make([]domain.JobDescriptor, 0, len(jobs)), Total: total, Limit: f.Limit, Offset: f.Offset}
	if out.Limit <= 0 || out.Limit > 100 {
		out.Limit = 20
	}
	for i := range jobs {
		out.Reports = append(out.Reports, jobs[i].Descriptor())
	}
	httputil.OK(w, out)
}

// load fetches a job and enforces the advertiser scope. A job owned by a
// different advertiser is reported as not found.
func (h *Handlers) load(w http.ResponseWriter, r *http.Request) (*domain.ReportJob, bool) {
	adv, scoped, ok := scope(w, r)
	if !ok {
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.FromError(w, err)
		return nil, false
	}
	if scoped && job.Spec.AdvertiserID != adv {
		httputil.FromError(w, domain.ErrNotFound)
		return nil, false
	}
	return job, true
}

// HandleGet returns the status of one job.
//
//	GET /api/reports/{id}
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := h.load(w, r)
	if !ok {
		return
	}
	httputil.OK(w, job.Descriptor())
}

// HandleDownload renders a completed job's result.
//
//	GET /api/reports/{id}/download?format=csv|excel|json
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	job, ok := h.load(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Download(r.Context(), job.ID, format)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Attachment(w, res.Filename, res.ContentType, res.Data)
}

// HandleTemplates describes the metrics and dimensions each report type
// offers.
//
//	GET /api/reports/templates
func (h *Handlers) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"templates": h.svc.Strategies().Templates(),
		"formats":   export.Formats,
	})
}

// HandleCreateMetric registers a custom metric formula.
//
//	POST /api/custom-metrics
func (h *Handlers) HandleCreateMetric(w http.ResponseWriter, r *http.Request) {
	var def domain.CustomMetricDef
	if !httputil.Decode(w, r, &def) {
		return
	}
	adv, scoped, ok := scope(w, r)
	if !ok {
		return
	}
	if scoped {
		def.AdvertiserID = adv
	}
	saved, err := h.svc.RegisterMetric(r.Context(), def)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.Created(w, saved)
}

// HandleListMetrics lists the custom metrics visible to a scope.
//
//	GET /api/custom-metrics?advertiser_id=
func (h *Handlers) HandleListMetrics(w http.ResponseWriter, r *http.Request) {
	adv, ok := httputil.QueryInt(w, r, "advertiser_id", 0)
	if !ok {
		return
	}
	id := int64(adv)
	if hdr, scoped, ok := scope(w, r); !ok {
		return
	} else if scoped {
		id = hdr
	}
	httputil.OK(w, map[string]interface{}{"metrics": h.svc.ListMetrics(id)})
}
