package pipeline

import (
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/export"
	"github.com/ignite/adreport/internal/formula"
)

// MetricKind says how a derived value behaves under aggregation.
type MetricKind int

const (
	// Counter values are computed per source row and summed when grouping.
	Counter MetricKind = iota
	// Ratio values are recomputed from the summed counters after grouping.
	Ratio
)

// MetricDef is a named value computed from a row's other fields.
type MetricDef struct {
	Name    string
	Kind    MetricKind
	Compute func(get formula.Lookup) float64
}

// RatioOf builds a ratio metric num/den scaled by factor.
func RatioOf(name, num, den string, factor float64) MetricDef {
	return MetricDef{
		Name: name,
		Kind: Ratio,
		Compute: func(get formula.Lookup) float64 {
			return formula.Div(get(num), get(den)) * factor
		},
	}
}

// Builtins returns the derived metrics every report type carries.
func Builtins() []MetricDef {
	return []MetricDef{
		RatioOf(domain.MetricCTR, domain.MetricClicks, domain.MetricImpressions, 1),
		RatioOf(domain.MetricCPC, domain.MetricSpend, domain.MetricClicks, 1),
		RatioOf(domain.MetricCPM, domain.MetricSpend, domain.MetricImpressions, 1000),
		RatioOf(domain.MetricCVR, domain.MetricConversions, domain.MetricClicks, 1),
		RatioOf(domain.MetricCPA, domain.MetricSpend, domain.MetricConversions, 1),
		RatioOf(domain.MetricVideoStartRate, domain.MetricVideoStarts, domain.MetricImpressions, 1),
		RatioOf(domain.MetricVideoCompletionRate, domain.MetricVideoCompletes, domain.MetricVideoStarts, 1),
	}
}

// KindOf returns the export kind of a dimension or metric name.
func KindOf(name string) export.Kind {
	switch {
	case domain.IsIDDimension(name):
		return export.KindInteger
	case domain.IsDimension(name):
		return export.KindText
	case domain.IsRawCounter(name) && name != domain.MetricSpend:
		return export.KindInteger
	default:
		return export.KindDecimal
	}
}
