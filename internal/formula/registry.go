package formula

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ignite/adreport/internal/domain"
)

// GlobalScope is the owning scope of metrics visible to every advertiser.
const GlobalScope int64 = 0

var metricNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Metric is a registered custom metric with its compiled formula.
type Metric struct {
	Def  domain.CustomMetricDef
	Expr *Expr
}

// Name returns the metric's column name.
func (m *Metric) Name() string { return m.Def.Name }

// Registry holds compiled custom metrics keyed by owning scope and name.
// Lookups fall back from an advertiser scope to the global scope. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	metrics  map[int64]map[string]*Metric
	reserved map[string]bool
}

// NewRegistry creates an empty registry. Reserved names (in addition to
// every dimension and built-in metric) can never be registered.
func NewRegistry(reserved ...string) *Registry {
	r := &Registry{
		metrics:  make(map[int64]map[string]*Metric),
		reserved: make(map[string]bool),
	}
	for _, n := range reserved {
		r.reserved[n] = true
	}
	return r
}

// Compile validates def and parses its formula without registering it.
func (r *Registry) Compile(def domain.CustomMetricDef) (*Metric, error) {
	if !metricNameRe.MatchString(def.Name) {
		return nil, &domain.FormulaError{Metric: def.Name, Reason: "name must be lowercase letters, digits and underscores"}
	}
	if domain.IsDimension(def.Name) || domain.IsFormulaField(def.Name) || r.isReserved(def.Name) {
		return nil, &domain.FormulaError{Metric: def.Name, Reason: "name collides with a built-in field"}
	}
	if def.AdvertiserID < 0 {
		return nil, &domain.FormulaError{Metric: def.Name, Reason: "owning scope must not be negative"}
	}
	expr, err := Parse(def.Formula)
	if err != nil {
		if fe, ok := err.(*domain.FormulaError); ok {
			fe.Metric = def.Name
		}
		return nil, err
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	return &Metric{Def: def, Expr: expr}, nil
}

// Register compiles def and stores it, replacing any metric of the same
// name in the same scope. Jobs already created keep the formula they
// snapshotted at creation.
func (r *Registry) Register(def domain.CustomMetricDef) (*Metric, error) {
	m, err := r.Compile(def)
	if err != nil {
		return nil, err
	}
	r.Add(m)
	return m, nil
}

// Add stores an already compiled metric.
func (r *Registry) Add(m *Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := r.metrics[m.Def.AdvertiserID]
	if scope == nil {
		scope = make(map[string]*Metric)
		r.metrics[m.Def.AdvertiserID] = scope
	}
	scope[m.Def.Name] = m
}

// Load registers every definition, stopping at the first invalid one.
func (r *Registry) Load(defs []domain.CustomMetricDef) error {
	for _, def := range defs {
		if _, err := r.Register(def); err != nil {
			return fmt.Errorf("load custom metric %s/%d: %w", def.Name, def.AdvertiserID, err)
		}
	}
	return nil
}

// Lookup resolves name in scope, falling back to the global scope.
func (r *Registry) Lookup(scope int64, name string) (*Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[scope][name]; ok {
		return m, true
	}
	m, ok := r.metrics[GlobalScope][name]
	return m, ok
}

// Resolve looks up every name, failing with a FormulaError on the first
// one that is not registered for the scope.
func (r *Registry) Resolve(scope int64, names []string) ([]*Metric, error) {
	out := make([]*Metric, 0, len(names))
	for _, n := range names {
		m, ok := r.Lookup(scope, n)
		if !ok {
			return nil, &domain.FormulaError{Metric: n, Reason: "custom metric is not registered"}
		}
		out = append(out, m)
	}
	return out, nil
}

// List returns the metrics visible to scope, sorted by name. Scope-owned
// metrics shadow global ones of the same name.
func (r *Registry) List(scope int64) []domain.CustomMetricDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := make(map[string]domain.CustomMetricDef)
	for n, m := range r.metrics[GlobalScope] {
		byName[n] = m.Def
	}
	if scope != GlobalScope {
		for n, m := range r.metrics[scope] {
			byName[n] = m.Def
		}
	}
	out := make([]domain.CustomMetricDef, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) isReserved(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reserved[name]
}

// Snapshot resolves names against a fixed set of definitions, ignoring
// scope. A job carries the definitions it was created with, so later
// registrations of the same name do not change what it computes.
type Snapshot map[string]*Metric

// NewSnapshot compiles defs. Names must be unique.
func NewSnapshot(defs []domain.CustomMetricDef) (Snapshot, error) {
	s := make(Snapshot, len(defs))
	for _, def := range defs {
		if _, dup := s[def.Name]; dup {
			return nil, &domain.FormulaError{Metric: def.Name, Reason: "defined twice"}
		}
		expr, err := Parse(def.Formula)
		if err != nil {
			if fe, ok := err.(*domain.FormulaError); ok {
				fe.Metric = def.Name
			}
			return nil, err
		}
		s[def.Name] = &Metric{Def: def, Expr: expr}
	}
	return s, nil
}

// Resolve looks up every name in the snapshot.
func (s Snapshot) Resolve(_ int64, names []string) ([]*Metric, error) {
	out := make([]*Metric, 0, len(names))
	for _, n := range names {
		m, ok := s[n]
		if !ok {
			return nil, &domain.FormulaError{Metric: n, Reason: "custom metric is not registered"}
		}
		out = append(out, m)
	}
	return out, nil
}
