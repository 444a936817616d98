package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ignite/adreport/internal/domain"
)

// ReadCSV parses statistic rows from a CSV file with a header row. Columns
// are matched by name; date and advertiser_id are required, everything
// else defaults to empty or zero.
func ReadCSV(r io.Reader) ([]domain.StatRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{domain.DimDate, domain.DimAdvertiserID} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv is missing column %q", required)
		}
	}

	var out []domain.StatRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := parseRecord(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, row)
	}
	return out, nil
}

func parseRecord(rec []string, col map[string]int) (domain.StatRow, error) {
	get := func(name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	var r domain.StatRow
	d, err := domain.ParseDate(get(domain.DimDate))
	if err != nil {
		return r, fmt.Errorf("bad date: %w", err)
	}
	r.Date = d.Time
	if r.AdvertiserID, err = strconv.ParseInt(get(domain.DimAdvertiserID), 10, 64); err != nil {
		return r, fmt.Errorf("bad advertiser_id: %w", err)
	}
	if r.CampaignID, err = optionalID(get(domain.DimCampaignID)); err != nil {
		return r, fmt.Errorf("bad campaign_id: %w", err)
	}
	if r.CreativeID, err = optionalID(get(domain.DimCreativeID)); err != nil {
		return r, fmt.Errorf("bad creative_id: %w", err)
	}
	r.AdvertiserName = get(domain.DimAdvertiserName)
	r.CampaignName = get(domain.DimCampaignName)
	r.CreativeName = get(domain.DimCreativeName)

	ints := map[string]*int64{
		domain.MetricImpressions:        &r.Impressions,
		domain.MetricClicks:             &r.Clicks,
		domain.MetricConversions:        &r.Conversions,
		domain.MetricVideoStarts:        &r.VideoStarts,
		domain.MetricVideoFirstQuartile: &r.VideoFirstQuartile,
		domain.MetricVideoMidpoint:      &r.VideoMidpoint,
		domain.MetricVideoThirdQuartile: &r.VideoThirdQuartile,
		domain.MetricVideoCompletes:     &r.VideoCompletes,
	}
	for name, dst := range ints {
		if v := get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return r, fmt.Errorf("bad %s: %w", name, err)
			}
			*dst = n
		}
	}
	if v := get(domain.MetricSpend); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return r, fmt.Errorf("bad spend: %w", err)
		}
		r.Spend = f
	}
	return r, nil
}

func optionalID(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
