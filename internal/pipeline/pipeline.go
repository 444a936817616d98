package pipeline

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/formula"
)

// Config is everything a pipeline run needs, resolved up front from the
// job spec, the strategy and the custom metric registry.
type Config struct {
	Filters domain.Filters
	// Derived holds built-in ratios plus strategy extras of either kind.
	Derived []MetricDef
	Custom  []*formula.Metric
	GroupBy []string
	SortBy  []domain.SortKey
	Limit   int
}

// Run applies every stage in order and returns the final row set. The
// input slice is not modified.
func Run(in []domain.StatRow, cfg Config) []Row {
	rows := Filter(in, cfg.Filters)
	for i := range rows {
		computeCounters(&rows[i], cfg.Derived)
		computeRatios(&rows[i], cfg.Derived)
		computeCustom(&rows[i], cfg.Custom)
	}
	rows = Group(rows, cfg.GroupBy, cfg.Derived, cfg.Custom)
	Sort(rows, cfg.SortBy)
	return Limit(rows, cfg.Limit)
}

// Filter keeps the rows matching every filter. A filter matches when the
// row's dimension equals any of its values.
func Filter(in []domain.StatRow, filters domain.Filters) []Row {
	matchers := make([]func(*Row) bool, 0, len(filters))
	for _, f := range filters {
		matchers = append(matchers, matcher(f))
	}
	out := make([]Row, 0, len(in))
next:
	for _, s := range in {
		r := newRow(s)
		r.CampaignID = cloneID(s.CampaignID)
		r.CreativeID = cloneID(s.CreativeID)
		for _, m := range matchers {
			if !m(&r) {
				continue next
			}
		}
		out = append(out, r)
	}
	return out
}

func matcher(f domain.Filter) func(*Row) bool {
	want := make(map[string]bool, len(f.Values))
	for _, v := range f.Values {
		want[canonicalFilterValue(f.Field, v)] = true
	}
	return func(r *Row) bool {
		k := r.DimensionKey(f.Field)
		return k != "" && want[k]
	}
}

// canonicalFilterValue brings a filter value to DimensionKey form so that
// "007" matches id 7 and surrounding spaces are ignored.
func canonicalFilterValue(field, v string) string {
	v = strings.TrimSpace(v)
	switch {
	case domain.IsIDDimension(field):
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return strconv.FormatInt(id, 10)
		}
	case field == domain.DimDate:
		if d, err := domain.ParseDate(v); err == nil {
			return d.String()
		}
	}
	return v
}

func computeCounters(r *Row, defs []MetricDef) {
	for _, d := range defs {
		if d.Kind == Counter {
			r.Extra[d.Name] = formula.Safe(d.Compute(r.Lookup))
		}
	}
}

func computeRatios(r *Row, defs []MetricDef) {
	for _, d := range defs {
		if d.Kind == Ratio {
			r.Metrics[d.Name] = formula.Safe(d.Compute(r.Lookup))
		}
	}
}

func computeCustom(r *Row, metrics []*formula.Metric) {
	for _, m := range metrics {
		r.Metrics[m.Name()] = m.Expr.Eval(r.Lookup)
	}
}

// Group partitions rows by the group-by dimensions, sums raw and strategy
// counters in each partition, then recomputes every ratio and custom
// metric from the sums. Partitions keep the order of their first row. A
// dimension outside group-by survives only if uniform within the partition.
func Group(rows []Row, groupBy []string, derived []MetricDef, custom []*formula.Metric) []Row {
	if len(groupBy) == 0 {
		return rows
	}
	index := make(map[string]int)
	var out []Row
	for i := range rows {
		key := groupKey(&rows[i], groupBy)
		at, ok := index[key]
		if !ok {
			index[key] = len(out)
			g := newRow(rows[i].StatRow)
			g.CampaignID = cloneID(rows[i].CampaignID)
			g.CreativeID = cloneID(rows[i].CreativeID)
			for name, v := range rows[i].Extra {
				g.Extra[name] = v
			}
			out = append(out, g)
			continue
		}
		g := &out[at]
		g.Counters.Add(rows[i].Counters)
		for name, v := range rows[i].Extra {
			g.Extra[name] += v
		}
		for _, dim := range domain.Dimensions {
			if g.DimensionKey(dim) != rows[i].DimensionKey(dim) {
				g.blank(dim)
			}
		}
	}
	for i := range out {
		computeRatios(&out[i], derived)
		computeCustom(&out[i], custom)
	}
	return out
}

func groupKey(r *Row, groupBy []string) string {
	parts := make([]string, len(groupBy))
	for i, f := range groupBy {
		parts[i] = r.DimensionKey(f)
	}
	return strings.Join(parts, "\x1f")
}

// Sort orders rows by the sort keys in place. The sort is stable, so rows
// with equal keys keep their incoming order.
func Sort(rows []Row, keys []domain.SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareField(&rows[i], &rows[j], k.Field)
			if c == 0 {
				continue
			}
			if k.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

// compareField compares two rows on one field. Missing ids and blank
// values sort before present ones.
func compareField(a, b *Row, field string) int {
	switch {
	case domain.IsIDDimension(field):
		return compareKeys(a.DimensionKey(field), b.DimensionKey(field), func(x, y string) int {
			xi, _ := strconv.ParseInt(x, 10, 64)
			yi, _ := strconv.ParseInt(y, 10, 64)
			return compareInts(xi, yi)
		})
	case field == domain.DimDate:
		return compareTimes(a.Date, b.Date)
	case domain.IsDimension(field):
		return strings.Compare(a.DimensionKey(field), b.DimensionKey(field))
	default:
		return compareFloats(a.Lookup(field), b.Lookup(field))
	}
}

func compareKeys(x, y string, cmp func(x, y string) int) int {
	switch {
	case x == "" && y == "":
		return 0
	case x == "":
		return -1
	case y == "":
		return 1
	}
	return cmp(x, y)
}

func compareInts(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareFloats(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareTimes(x, y time.Time) int {
	switch {
	case x.Before(y):
		return -1
	case x.After(y):
		return 1
	}
	return 0
}

// Limit truncates rows to n. n <= 0 means no limit.
func Limit(rows []Row, n int) []Row {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	return rows[:n]
}
