// Package pipeline turns extracted statistic rows into the final report
// row set. Stages run in a fixed order (filter, derived metrics, custom
// metrics, group, sort, limit) and never mutate their input.
package pipeline

import (
	"strconv"
	"time"

	"github.com/ignite/adreport/internal/domain"
)

// Row is a statistic row plus the values derived from it. Extra holds
// strategy counters that are summed when grouping; Metrics holds ratios
// and custom metrics that are recomputed after grouping.
type Row struct {
	domain.StatRow
	Extra   map[string]float64
	Metrics map[string]float64
}

func newRow(s domain.StatRow) Row {
	return Row{
		StatRow: s,
		Extra:   make(map[string]float64),
		Metrics: make(map[string]float64),
	}
}

// Lookup returns the numeric value of a raw counter, strategy counter or
// computed metric. Unknown names resolve to 0.
func (r *Row) Lookup(name string) float64 {
	if v, ok := r.Counters.Value(name); ok {
		return v
	}
	if v, ok := r.Extra[name]; ok {
		return v
	}
	return r.Metrics[name]
}

// Has reports whether the row carries a value for name.
func (r *Row) Has(name string) bool {
	if _, ok := r.Counters.Value(name); ok {
		return true
	}
	if _, ok := r.Extra[name]; ok {
		return true
	}
	_, ok := r.Metrics[name]
	return ok
}

// DimensionKey returns the canonical string form of a dimension value.
// Absent ids and blanked dimensions yield "".
func (r *Row) DimensionKey(name string) string {
	switch name {
	case domain.DimDate:
		if r.Date.IsZero() {
			return ""
		}
		return r.Date.Format(domain.DateLayout)
	case domain.DimAdvertiserID:
		if r.AdvertiserID == 0 {
			return ""
		}
		return strconv.FormatInt(r.AdvertiserID, 10)
	case domain.DimAdvertiserName:
		return r.AdvertiserName
	case domain.DimCampaignID:
		return formatID(r.CampaignID)
	case domain.DimCampaignName:
		return r.CampaignName
	case domain.DimCreativeID:
		return formatID(r.CreativeID)
	case domain.DimCreativeName:
		return r.CreativeName
	}
	return ""
}

// DimensionValue returns the typed value of a dimension for export: a
// date string, an int64 id, a name, or nil when absent.
func (r *Row) DimensionValue(name string) interface{} {
	switch name {
	case domain.DimAdvertiserID:
		if r.AdvertiserID == 0 {
			return nil
		}
		return r.AdvertiserID
	case domain.DimCampaignID:
		if r.CampaignID == nil {
			return nil
		}
		return *r.CampaignID
	case domain.DimCreativeID:
		if r.CreativeID == nil {
			return nil
		}
		return *r.CreativeID
	}
	if k := r.DimensionKey(name); k != "" {
		return k
	}
	return nil
}

// blank clears a dimension whose value is not uniform within a group.
func (r *Row) blank(name string) {
	switch name {
	case domain.DimDate:
		r.Date = time.Time{}
	case domain.DimAdvertiserID:
		r.AdvertiserID = 0
	case domain.DimAdvertiserName:
		r.AdvertiserName = ""
	case domain.DimCampaignID:
		r.CampaignID = nil
	case domain.DimCampaignName:
		r.CampaignName = ""
	case domain.DimCreativeID:
		r.CreativeID = nil
	case domain.DimCreativeName:
		r.CreativeName = ""
	}
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
