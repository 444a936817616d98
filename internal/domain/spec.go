package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxRangeDays is the widest allowed distance between start and end date.
const MaxRangeDays = 90

// DateLayout is the wire format of every date in a job spec.
const DateLayout = "2006-01-02"

// Date is a calendar day serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the UTC midnight of the given day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return fmt.Errorf("date %q must be formatted as %s", s, DateLayout)
	}
	*d = parsed
	return nil
}

// Filter restricts rows to those whose field equals one of Values.
// Set records whether the filter was given as a list (membership) or a
// scalar (equality); both match the same way.
type Filter struct {
	Field  string
	Values []string
	Set    bool
}

// Filters is the validated replacement for a free-form filter map. On the
// wire it is an object of field to scalar or array of scalars.
type Filters []Filter

// Get returns the filter on field, if any.
func (fs Filters) Get(field string) (Filter, bool) {
	for _, f := range fs {
		if f.Field == field {
			return f, true
		}
	}
	return Filter{}, false
}

// Has reports whether a filter on field exists.
func (fs Filters) Has(field string) bool {
	_, ok := fs.Get(field)
	return ok
}

func (fs Filters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.Field)
		buf.Write(key)
		buf.WriteByte(':')
		var val []byte
		if f.Set || len(f.Values) != 1 {
			val, _ = json.Marshal(f.Values)
		} else {
			val, _ = json.Marshal(f.Values[0])
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (fs *Filters) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*fs = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("filters must be an object: %w", err)
	}
	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	out := make(Filters, 0, len(fields))
	for _, field := range fields {
		msg := bytes.TrimSpace(raw[field])
		f := Filter{Field: field}
		if len(msg) > 0 && msg[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(msg, &items); err != nil {
				return fmt.Errorf("filter %s: %w", field, err)
			}
			f.Set = true
			for _, item := range items {
				v, err := scalarString(item)
				if err != nil {
					return fmt.Errorf("filter %s: %w", field, err)
				}
				f.Values = append(f.Values, v)
			}
		} else {
			v, err := scalarString(msg)
			if err != nil {
				return fmt.Errorf("filter %s: %w", field, err)
			}
			f.Values = []string{v}
		}
		out = append(out, f)
	}
	*fs = out
	return nil
}

func scalarString(msg json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("value must be a string or number")
	}
}

// SortKey is one (field, direction) pair of a sort specification.
type SortKey struct {
	Field     string
	Ascending bool
}

type sortKeyJSON struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
	Ascending *bool  `json:"ascending,omitempty"`
}

func (k SortKey) MarshalJSON() ([]byte, error) {
	dir := "desc"
	if k.Ascending {
		dir = "asc"
	}
	return json.Marshal(sortKeyJSON{Field: k.Field, Direction: dir})
}

// UnmarshalJSON accepts {"field":"spend","direction":"desc"},
// {"field":"spend","ascending":false}, "spend" or "-spend".
func (k *SortKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		k.Ascending = !strings.HasPrefix(s, "-")
		k.Field = strings.TrimPrefix(s, "-")
		return nil
	}
	var raw sortKeyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("sort key must be a string or object: %w", err)
	}
	k.Field = raw.Field
	k.Ascending = true
	switch strings.ToLower(raw.Direction) {
	case "", "asc", "ascending":
		if raw.Direction == "" && raw.Ascending != nil {
			k.Ascending = *raw.Ascending
		}
	case "desc", "descending":
		k.Ascending = false
	default:
		return fmt.Errorf("sort direction %q must be asc or desc", raw.Direction)
	}
	return nil
}

// JobSpec is the immutable description of one report request.
type JobSpec struct {
	Name         string     `json:"name,omitempty"`
	ReportType   ReportType `json:"report_type"`
	StartDate    Date       `json:"start_date"`
	EndDate      Date       `json:"end_date"`
	Metrics      []string   `json:"metrics"`
	Dimensions   []string   `json:"dimensions"`
	Filters      Filters    `json:"filters,omitempty"`
	GroupBy      []string   `json:"group_by,omitempty"`
	SortBy       []SortKey  `json:"sort_by,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	AdvertiserID int64      `json:"advertiser_id,omitempty"`

	// CustomMetrics holds the formulas of the custom metrics named in
	// Metrics as resolved when the job was created. Client values are
	// replaced at creation.
	CustomMetrics []CustomMetricDef `json:"custom_metrics,omitempty"`
}

// RangeDays returns the distance in whole days between start and end date.
func (s *JobSpec) RangeDays() int {
	return int(s.EndDate.Sub(s.StartDate.Time).Hours() / 24)
}

// MentionsField reports whether field appears in the dimensions, group-by
// list or filters of the spec.
func (s *JobSpec) MentionsField(field string) bool {
	return contains(s.Dimensions, field) || contains(s.GroupBy, field) || s.Filters.Has(field)
}

// Validate checks the structure of the spec. It does not resolve metric
// names; that needs the strategy and the custom metric registry.
func (s *JobSpec) Validate() error {
	if !s.ReportType.Valid() {
		return &ValidationError{Field: "report_type", Reason: fmt.Sprintf("unknown report type %q", s.ReportType)}
	}
	if s.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "is required"}
	}
	if s.EndDate.IsZero() {
		return &ValidationError{Field: "end_date", Reason: "is required"}
	}
	if s.EndDate.Before(s.StartDate.Time) {
		return &ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	if days := s.RangeDays(); days > MaxRangeDays {
		return &DateRangeError{Days: days, MaxDays: MaxRangeDays}
	}
	if s.AdvertiserID < 0 {
		return &ValidationError{Field: "advertiser_id", Reason: "must not be negative"}
	}
	if s.Limit < 0 {
		return &ValidationError{Field: "limit", Reason: "must be positive"}
	}

	if len(s.Metrics) == 0 {
		return &ValidationError{Field: "metrics", Reason: "at least one metric is required"}
	}
	if dup := firstDuplicate(s.Metrics); dup != "" {
		return &ValidationError{Field: "metrics", Reason: fmt.Sprintf("duplicate metric %q", dup)}
	}
	for _, m := range s.Metrics {
		if strings.TrimSpace(m) == "" {
			return &ValidationError{Field: "metrics", Reason: "empty metric name"}
		}
		if IsDimension(m) {
			return &ValidationError{Field: "metrics", Reason: fmt.Sprintf("%q is a dimension", m)}
		}
	}

	if dup := firstDuplicate(s.Dimensions); dup != "" {
		return &ValidationError{Field: "dimensions", Reason: fmt.Sprintf("duplicate dimension %q", dup)}
	}
	for _, d := range s.Dimensions {
		if !IsDimension(d) {
			return &ValidationError{Field: "dimensions", Reason: fmt.Sprintf("unknown dimension %q", d)}
		}
	}

	for _, g := range s.GroupBy {
		if !IsDimension(g) {
			return &ValidationError{Field: "group_by", Reason: fmt.Sprintf("unknown group field %q", g)}
		}
	}
	if dup := firstDuplicate(s.GroupBy); dup != "" {
		return &ValidationError{Field: "group_by", Reason: fmt.Sprintf("duplicate group field %q", dup)}
	}

	for _, f := range s.Filters {
		if err := validateFilter(f); err != nil {
			return err
		}
	}

	for _, k := range s.SortBy {
		if k.Field == "" {
			return &ValidationError{Field: "sort_by", Reason: "empty sort field"}
		}
		if !IsDimension(k.Field) && !contains(s.Metrics, k.Field) {
			return &ValidationError{Field: "sort_by", Reason: fmt.Sprintf("unknown sort field %q", k.Field)}
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	if !IsDimension(f.Field) {
		return &ValidationError{Field: "filters", Reason: fmt.Sprintf("unknown filter field %q", f.Field)}
	}
	if len(f.Values) == 0 {
		return &ValidationError{Field: "filters", Reason: fmt.Sprintf("filter %q has no values", f.Field)}
	}
	for _, v := range f.Values {
		switch {
		case IsIDDimension(f.Field):
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				return &ValidationError{Field: "filters", Reason: fmt.Sprintf("filter %q: %q is not an id", f.Field, v)}
			}
		case f.Field == DimDate:
			if _, err := ParseDate(v); err != nil {
				return &ValidationError{Field: "filters", Reason: fmt.Sprintf("filter %q: %q is not a date", f.Field, v)}
			}
		}
	}
	return nil
}

// FilterIDs returns the parsed ids of an id-dimension filter.
func (s *JobSpec) FilterIDs(field string) []int64 {
	f, ok := s.Filters.Get(field)
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(f.Values))
	for _, v := range f.Values {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// DisplayName returns the report name, falling back to the report type.
func (s *JobSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.ReportType) + " report"
}

func firstDuplicate(list []string) string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		if seen[v] {
			return v
		}
		seen[v] = true
	}
	return ""
}
