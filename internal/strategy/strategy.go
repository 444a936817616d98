// Package strategy implements the per-subject behaviour of a report:
// which statistic rows are extracted for campaign, creative, advertiser
// and platform reports, and which extra derived fields each one adds.
package strategy

import (
	"context"
	"fmt"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/pipeline"
	"github.com/ignite/adreport/internal/stats"
)

// Strategy is the contract every report subject implements.
type Strategy interface {
	// Type returns the report type the strategy serves.
	Type() domain.ReportType
	// Query builds the statistics query for spec.
	Query(spec *domain.JobSpec) stats.Query
	// Extract runs the query and validates the returned rows. Failures
	// are *domain.ExecutionError and are never retried here.
	Extract(ctx context.Context, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error)
	// ExtraFields declares subject-specific derived columns.
	ExtraFields() []pipeline.MetricDef
}

// baseQuery applies the date range, advertiser scope and id filters shared
// by every subject.
func baseQuery(spec *domain.JobSpec, scoped bool) stats.Query {
	q := stats.Query{
		Start:       spec.StartDate.Time,
		End:         spec.EndDate.Time,
		CampaignIDs: spec.FilterIDs(domain.DimCampaignID),
		CreativeIDs: spec.FilterIDs(domain.DimCreativeID),
	}
	switch {
	case scoped && spec.AdvertiserID > 0:
		q.AdvertiserIDs = []int64{spec.AdvertiserID}
	default:
		q.AdvertiserIDs = spec.FilterIDs(domain.DimAdvertiserID)
	}
	return q
}

// extract is the Extract implementation shared by every strategy.
func extract(ctx context.Context, s Strategy, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error) {
	op := fmt.Sprintf("extract %s statistics", s.Type())
	rows, err := store.Query(ctx, s.Query(spec))
	if err != nil {
		return nil, &domain.ExecutionError{Op: op, Err: err}
	}
	for i := range rows {
		if err := checkRow(&rows[i]); err != nil {
			return nil, &domain.ExecutionError{Op: op, Err: fmt.Errorf("row %d: %w", i, err)}
		}
	}
	return rows, nil
}

func checkRow(r *domain.StatRow) error {
	switch {
	case r.Date.IsZero():
		return fmt.Errorf("malformed row: missing date")
	case r.AdvertiserID <= 0:
		return fmt.Errorf("malformed row: missing advertiser id")
	case r.Negative():
		return fmt.Errorf("malformed row: negative counter")
	}
	return nil
}

// campaignStrategy reports campaign roll-up rows: campaign set, no creative.
type campaignStrategy struct{}

func (campaignStrategy) Type() domain.ReportType { return domain.ReportCampaign }

func (campaignStrategy) Query(spec *domain.JobSpec) stats.Query {
	q := baseQuery(spec, true)
	q.Campaign = stats.Required
	q.Creative = stats.Absent
	return q
}

func (s campaignStrategy) Extract(ctx context.Context, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error) {
	return extract(ctx, s, store, spec)
}

func (campaignStrategy) ExtraFields() []pipeline.MetricDef { return nil }

// creativeStrategy reports creative rows and adds video funnel rates.
type creativeStrategy struct{}

const (
	MetricFirstQuartileRate = "video_first_quartile_rate"
	MetricMidpointRate      = "video_midpoint_rate"
	MetricThirdQuartileRate = "video_third_quartile_rate"
)

func (creativeStrategy) Type() domain.ReportType { return domain.ReportCreative }

func (creativeStrategy) Query(spec *domain.JobSpec) stats.Query {
	q := baseQuery(spec, true)
	q.Creative = stats.Required
	return q
}

func (s creativeStrategy) Extract(ctx context.Context, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error) {
	return extract(ctx, s, store, spec)
}

func (creativeStrategy) ExtraFields() []pipeline.MetricDef {
	return []pipeline.MetricDef{
		pipeline.RatioOf(MetricFirstQuartileRate, domain.MetricVideoFirstQuartile, domain.MetricVideoStarts, 1),
		pipeline.RatioOf(MetricMidpointRate, domain.MetricVideoMidpoint, domain.MetricVideoStarts, 1),
		pipeline.RatioOf(MetricThirdQuartileRate, domain.MetricVideoThirdQuartile, domain.MetricVideoStarts, 1),
	}
}

// advertiserStrategy reports advertiser roll-up rows unless the spec asks
// for a campaign or creative breakdown.
type advertiserStrategy struct{}

func (advertiserStrategy) Type() domain.ReportType { return domain.ReportAdvertiser }

func (advertiserStrategy) Query(spec *domain.JobSpec) stats.Query {
	q := baseQuery(spec, true)
	if !mentionsEntityBreakdown(spec) {
		q.Campaign = stats.Absent
		q.Creative = stats.Absent
	}
	return q
}

func (s advertiserStrategy) Extract(ctx context.Context, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error) {
	return extract(ctx, s, store, spec)
}

func (advertiserStrategy) ExtraFields() []pipeline.MetricDef { return nil }

func mentionsEntityBreakdown(spec *domain.JobSpec) bool {
	for _, f := range []string{domain.DimCampaignID, domain.DimCampaignName, domain.DimCreativeID, domain.DimCreativeName} {
		if spec.MentionsField(f) {
			return true
		}
	}
	return false
}

// platformStrategy reports advertiser roll-up rows across every advertiser
// and adds platform revenue and margin.
type platformStrategy struct {
	takeRate float64
}

const (
	MetricRevenue = "revenue"
	MetricMargin  = "margin"
)

func (platformStrategy) Type() domain.ReportType { return domain.ReportPlatform }

func (platformStrategy) Query(spec *domain.JobSpec) stats.Query {
	q := baseQuery(spec, false)
	q.Campaign = stats.Absent
	q.Creative = stats.Absent
	return q
}

func (s platformStrategy) Extract(ctx context.Context, store stats.Store, spec *domain.JobSpec) ([]domain.StatRow, error) {
	return extract(ctx, s, store, spec)
}

func (s platformStrategy) ExtraFields() []pipeline.MetricDef {
	rate := s.takeRate
	return []pipeline.MetricDef{
		{
			Name: MetricRevenue,
			Kind: pipeline.Counter,
			Compute: func(get formula.Lookup) float64 {
				return get(domain.MetricSpend) * rate
			},
		},
		pipeline.RatioOf(MetricMargin, MetricRevenue, domain.MetricSpend, 1),
	}
}
