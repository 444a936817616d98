package memory

import (
	"context"
	"sync"

	"github.com/ignite/adreport/internal/domain"
)

// MetricRepo keeps custom metric definitions in registration order.
type MetricRepo struct {
	mu   sync.Mutex
	defs []domain.CustomMetricDef
}

func NewMetricRepo() *MetricRepo { return &MetricRepo{} }

// SaveCustomMetric inserts def or replaces the one with the same scope and name.
func (r *MetricRepo) SaveCustomMetric(_ context.Context, def domain.CustomMetricDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.defs {
		if d.AdvertiserID == def.AdvertiserID && d.Name == def.Name {
			r.defs[i] = def
			return nil
		}
	}
	r.defs = append(r.defs, def)
	return nil
}

func (r *MetricRepo) ListCustomMetrics(_ context.Context) ([]domain.CustomMetricDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CustomMetricDef, len(r.defs))
	copy(out, r.defs)
	return out, nil
}
