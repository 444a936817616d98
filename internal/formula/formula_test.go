package formula

import (
	"errors"
	"sync"
	"testing"

	"github.com/ignite/adreport/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowLookup(values map[string]float64) Lookup {
	return func(name string) float64 { return values[name] }
}

func TestParseAndEval(t *testing.T) {
	row := rowLookup(map[string]float64{
		"impressions": 1000,
		"clicks":      50,
		"spend":       25,
		"conversions": 0,
		"ctr":         0.05,
	})
	tests := []struct {
		formula string
		want    float64
	}{
		{"clicks", 50},
		{"clicks / impressions", 0.05},
		{"spend / clicks * 1000", 500},
		{"spend / (clicks * 1000)", 0.0005},
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 4 - 3", 3},
		{"100 / 10 / 5", 2},
		{"-clicks + 60", 10},
		{"--clicks", 50},
		{"+clicks", 50},
		{"ctr * 100", 5},
		{"spend / conversions", 0},
		{"clicks / (impressions - 1000)", 0},
		{"1.5 * 2", 3},
		{" clicks\t/\nimpressions ", 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			e, err := Parse(tt.formula)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, e.Eval(row), 1e-12)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		formula string
	}{
		{"empty", "   "},
		{"unknown field", "clicks / views"},
		{"dimension is not a field", "campaign_id * 2"},
		{"function call", "max(clicks, 1)"},
		{"unbalanced open", "(clicks + 1"},
		{"unbalanced close", "clicks + 1)"},
		{"dangling operator", "clicks +"},
		{"double dot", "1.2.3"},
		{"bad character", "clicks % 2"},
		{"string literal", "'clicks'"},
		{"adjacent operands", "clicks impressions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.formula)
			var fe *domain.FormulaError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.formula, fe.Formula)
		})
	}
}

func TestParse_DepthLimit(t *testing.T) {
	src := ""
	for i := 0; i < maxDepth+1; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < maxDepth+1; i++ {
		src += ")"
	}
	_, err := Parse(src)
	assert.Error(t, err)
}

func TestExpr_FieldsAndString(t *testing.T) {
	e, err := Parse("spend / conversions + spend * -2")
	require.NoError(t, err)
	assert.Equal(t, []string{"conversions", "spend"}, e.Fields())
	assert.Equal(t, "((spend / conversions) + (spend * (-2)))", e.String())
	assert.Equal(t, "spend / conversions + spend * -2", e.Source())
}

func TestDivAndSafe(t *testing.T) {
	assert.Equal(t, 0.0, Div(5, 0))
	assert.Equal(t, 0.0, Div(0, 0))
	assert.Equal(t, 2.5, Div(5, 2))
	assert.Equal(t, 0.0, Div(1e308, 1e-308))
}

func TestRegistry_ScopeFallback(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(domain.CustomMetricDef{Name: "roas", Formula: "conversions / spend"})
	require.NoError(t, err)
	_, err = r.Register(domain.CustomMetricDef{Name: "roas", Formula: "conversions * 10 / spend", AdvertiserID: 7})
	require.NoError(t, err)

	m, ok := r.Lookup(7, "roas")
	require.True(t, ok)
	assert.Equal(t, int64(7), m.Def.AdvertiserID)

	m, ok = r.Lookup(8, "roas")
	require.True(t, ok)
	assert.Equal(t, GlobalScope, m.Def.AdvertiserID)

	defs := r.List(7)
	require.Len(t, defs, 1)
	assert.Equal(t, "conversions * 10 / spend", defs[0].Formula)
	assert.False(t, defs[0].CreatedAt.IsZero())
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry("revenue")
	tests := []domain.CustomMetricDef{
		{Name: "ctr", Formula: "clicks / impressions"},
		{Name: "revenue", Formula: "spend"},
		{Name: "campaign_id", Formula: "clicks"},
		{Name: "Bad Name", Formula: "clicks"},
		{Name: "ok_name", Formula: "clicks / nope"},
	}
	for _, def := range tests {
		t.Run(def.Name, func(t *testing.T) {
			_, err := r.Register(def)
			var fe *domain.FormulaError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, def.Name, fe.Metric)
		})
	}
	assert.Empty(t, r.List(GlobalScope))
}

func TestRegistry_ResolveUnregistered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Load([]domain.CustomMetricDef{{Name: "cost_per_view", Formula: "spend / video_starts"}}))

	got, err := r.Resolve(3, []string{"cost_per_view"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cost_per_view", got[0].Name())

	_, err = r.Resolve(3, []string{"cost_per_view", "ghost"})
	var fe *domain.FormulaError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "ghost", fe.Metric)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Register(domain.CustomMetricDef{Name: "m", Formula: "clicks", AdvertiserID: int64(i % 4)})
			r.Lookup(int64(i%4), "m")
			r.List(int64(i % 4))
		}(i)
	}
	wg.Wait()
	_, ok := r.Lookup(3, "m")
	assert.True(t, ok)
}

func TestSnapshot_ResolvesFixedDefinitions(t *testing.T) {
	snap, err := NewSnapshot([]domain.CustomMetricDef{{Name: "click_value", Formula: "clicks * 2", AdvertiserID: 7}})
	require.NoError(t, err)

	got, err := snap.Resolve(99, []string{"click_value"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "clicks * 2", got[0].Def.Formula)

	_, err = snap.Resolve(7, []string{"other"})
	var fe *domain.FormulaError
	assert.ErrorAs(t, err, &fe)

	_, err = NewSnapshot([]domain.CustomMetricDef{{Name: "a", Formula: "clicks"}, {Name: "a", Formula: "spend"}})
	assert.Error(t, err)
	_, err = NewSnapshot([]domain.CustomMetricDef{{Name: "a", Formula: "clicks +"}})
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, "a", fe.Metric)
}
