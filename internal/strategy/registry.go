package strategy

import (
	"fmt"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/pipeline"
)

// DefaultTakeRate is the platform revenue share used when none is set.
const DefaultTakeRate = 0.15

// Registry resolves a strategy by report type.
type Registry struct {
	byType map[domain.ReportType]Strategy
}

// NewRegistry builds the registry of every report subject. takeRate is the
// platform's share of spend used for platform revenue.
func NewRegistry(takeRate float64) *Registry {
	if takeRate <= 0 {
		takeRate = DefaultTakeRate
	}
	return &Registry{byType: map[domain.ReportType]Strategy{
		domain.ReportCampaign:   campaignStrategy{},
		domain.ReportCreative:   creativeStrategy{},
		domain.ReportAdvertiser: advertiserStrategy{},
		domain.ReportPlatform:   platformStrategy{takeRate: takeRate},
	}}
}

// Get returns the strategy for t.
func (r *Registry) Get(t domain.ReportType) (Strategy, error) {
	s, ok := r.byType[t]
	if !ok {
		return nil, &domain.ValidationError{Field: "report_type", Reason: fmt.Sprintf("unknown report type %q", t)}
	}
	return s, nil
}

// ExtraNames returns every strategy-specific field name. Custom metrics
// may not reuse them.
func (r *Registry) ExtraNames() []string {
	var out []string
	for _, t := range domain.ReportTypes {
		for _, d := range r.byType[t].ExtraFields() {
			out = append(out, d.Name)
		}
	}
	return out
}

// MetricResolver resolves custom metric names visible to an advertiser
// scope. *formula.Registry and formula.Snapshot implement it.
type MetricResolver interface {
	Resolve(scope int64, names []string) ([]*formula.Metric, error)
}

// Plan is a job spec resolved against its strategy and the custom metric
// registry: everything needed to extract, transform and project.
type Plan struct {
	Strategy Strategy
	Pipeline pipeline.Config
	Columns  []string
}

// Plan resolves spec. An unknown metric name fails with a FormulaError
// before anything touches the statistics store.
func (r *Registry) Plan(spec *domain.JobSpec, metrics MetricResolver) (*Plan, error) {
	s, err := r.Get(spec.ReportType)
	if err != nil {
		return nil, err
	}
	extras := s.ExtraFields()
	isExtra := make(map[string]bool, len(extras))
	for _, d := range extras {
		isExtra[d.Name] = true
	}

	var builtin, custom []string
	for _, m := range spec.Metrics {
		if domain.IsRawCounter(m) || domain.IsDerivedMetric(m) || isExtra[m] {
			builtin = append(builtin, m)
			continue
		}
		custom = append(custom, m)
	}

	var compiled []*formula.Metric
	if len(custom) > 0 {
		if metrics == nil {
			return nil, &domain.FormulaError{Metric: custom[0], Reason: "custom metric is not registered"}
		}
		if compiled, err = metrics.Resolve(spec.AdvertiserID, custom); err != nil {
			return nil, err
		}
	}

	columns := make([]string, 0, len(spec.Dimensions)+len(spec.Metrics))
	columns = append(columns, spec.Dimensions...)
	columns = append(columns, builtin...)
	columns = append(columns, custom...)

	return &Plan{
		Strategy: s,
		Pipeline: pipeline.Config{
			Filters: spec.Filters,
			Derived: append(pipeline.Builtins(), extras...),
			Custom:  compiled,
			GroupBy: spec.GroupBy,
			SortBy:  spec.SortBy,
			Limit:   spec.Limit,
		},
		Columns: columns,
	}, nil
}

// CustomDefs returns the definitions of the plan's custom metrics with
// creation times dropped, in column order.
func (p *Plan) CustomDefs() []domain.CustomMetricDef {
	if len(p.Pipeline.Custom) == 0 {
		return nil
	}
	out := make([]domain.CustomMetricDef, 0, len(p.Pipeline.Custom))
	for _, m := range p.Pipeline.Custom {
		def := m.Def
		def.CreatedAt = time.Time{}
		out = append(out, def)
	}
	return out
}

// Template describes what a report type offers, for clients building
// a request.
type Template struct {
	ReportType          domain.ReportType `json:"report_type"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	DefaultMetrics      []string          `json:"default_metrics"`
	DefaultDimensions   []string          `json:"default_dimensions"`
	AvailableMetrics    []string          `json:"available_metrics"`
	AvailableDimensions []string          `json:"available_dimensions"`
}

// Templates returns one template per report type.
func (r *Registry) Templates() []Template {
	describe := map[domain.ReportType]Template{
		domain.ReportCampaign: {
			Name:              "Campaign Performance Report",
			Description:       "Detailed campaign performance metrics",
			DefaultMetrics:    []string{domain.MetricImpressions, domain.MetricClicks, domain.MetricCTR, domain.MetricSpend, domain.MetricConversions},
			DefaultDimensions: []string{domain.DimCampaignID, domain.DimCampaignName, domain.DimDate},
		},
		domain.ReportCreative: {
			Name:              "Creative Performance Report",
			Description:       "Creative-level performance and video funnel metrics",
			DefaultMetrics:    []string{domain.MetricImpressions, domain.MetricClicks, domain.MetricCTR, domain.MetricSpend},
			DefaultDimensions: []string{domain.DimCreativeID, domain.DimCreativeName, domain.DimDate},
		},
		domain.ReportAdvertiser: {
			Name:              "Advertiser Performance Report",
			Description:       "Advertiser-level performance summary",
			DefaultMetrics:    []string{domain.MetricImpressions, domain.MetricClicks, domain.MetricSpend, domain.MetricConversions},
			DefaultDimensions: []string{domain.DimAdvertiserID, domain.DimAdvertiserName, domain.DimDate},
		},
		domain.ReportPlatform: {
			Name:              "Platform Performance Report",
			Description:       "Platform-wide performance with revenue and margin",
			DefaultMetrics:    []string{domain.MetricImpressions, domain.MetricClicks, domain.MetricSpend, MetricRevenue},
			DefaultDimensions: []string{domain.DimDate},
		},
	}

	out := make([]Template, 0, len(domain.ReportTypes))
	for _, t := range domain.ReportTypes {
		tpl := describe[t]
		tpl.ReportType = t
		tpl.AvailableDimensions = append([]string(nil), domain.Dimensions...)
		tpl.AvailableMetrics = append(append([]string(nil), domain.RawCounters...), domain.DerivedMetrics...)
		for _, d := range r.byType[t].ExtraFields() {
			tpl.AvailableMetrics = append(tpl.AvailableMetrics, d.Name)
		}
		out = append(out, tpl)
	}
	return out
}
