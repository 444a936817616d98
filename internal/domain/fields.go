package domain

// Dimension fields: identity attributes of a statistic row.
const (
	DimDate           = "date"
	DimAdvertiserID   = "advertiser_id"
	DimAdvertiserName = "advertiser_name"
	DimCampaignID     = "campaign_id"
	DimCampaignName   = "campaign_name"
	DimCreativeID     = "creative_id"
	DimCreativeName   = "creative_name"
)

// Raw counters carried by every statistic row. These are the only values
// summed during aggregation.
const (
	MetricImpressions        = "impressions"
	MetricClicks             = "clicks"
	MetricConversions        = "conversions"
	MetricSpend              = "spend"
	MetricVideoStarts        = "video_starts"
	MetricVideoFirstQuartile = "video_first_quartile"
	MetricVideoMidpoint      = "video_midpoint"
	MetricVideoThirdQuartile = "video_third_quartile"
	MetricVideoCompletes     = "video_completes"
)

// Derived ratio metrics. Always recomputed from counters, never summed.
const (
	MetricCTR                 = "ctr"
	MetricCPC                 = "cpc"
	MetricCPM                 = "cpm"
	MetricCVR                 = "cvr"
	MetricCPA                 = "cpa"
	MetricVideoStartRate      = "video_start_rate"
	MetricVideoCompletionRate = "video_completion_rate"
)

// Dimensions lists every recognized dimension in canonical order.
var Dimensions = []string{
	DimDate,
	DimAdvertiserID,
	DimAdvertiserName,
	DimCampaignID,
	DimCampaignName,
	DimCreativeID,
	DimCreativeName,
}

// RawCounters lists the raw counters in canonical order.
var RawCounters = []string{
	MetricImpressions,
	MetricClicks,
	MetricConversions,
	MetricSpend,
	MetricVideoStarts,
	MetricVideoFirstQuartile,
	MetricVideoMidpoint,
	MetricVideoThirdQuartile,
	MetricVideoCompletes,
}

// DerivedMetrics lists the ratio metrics available to every report type.
var DerivedMetrics = []string{
	MetricCTR,
	MetricCPC,
	MetricCPM,
	MetricCVR,
	MetricCPA,
	MetricVideoStartRate,
	MetricVideoCompletionRate,
}

// IsDimension reports whether name is a recognized dimension.
func IsDimension(name string) bool { return contains(Dimensions, name) }

// IsRawCounter reports whether name is a raw counter.
func IsRawCounter(name string) bool { return contains(RawCounters, name) }

// IsDerivedMetric reports whether name is a built-in ratio metric.
func IsDerivedMetric(name string) bool { return contains(DerivedMetrics, name) }

// IsIDDimension reports whether the dimension holds a numeric entity id.
func IsIDDimension(name string) bool {
	return name == DimAdvertiserID || name == DimCampaignID || name == DimCreativeID
}

// IsFormulaField reports whether name may appear in a custom metric formula.
// The set is closed: raw counters plus the built-in ratio metrics.
func IsFormulaField(name string) bool {
	return IsRawCounter(name) || IsDerivedMetric(name)
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
