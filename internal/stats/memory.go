package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ignite/adreport/internal/domain"
)

// MemoryStore serves rows from memory. It backs tests, the local CLI and
// development servers without a warehouse.
type MemoryStore struct {
	mu      sync.RWMutex
	rows    []domain.StatRow
	err     error
	queries atomic.Int64
}

// NewMemoryStore creates a store holding rows.
func NewMemoryStore(rows ...domain.StatRow) *MemoryStore {
	return &MemoryStore{rows: append([]domain.StatRow(nil), rows...)}
}

// Add appends rows to the store.
func (s *MemoryStore) Add(rows ...domain.StatRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

// FailWith makes every subsequent query return err. nil clears it.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// QueryCount returns how many queries have been issued.
func (s *MemoryStore) QueryCount() int64 {
	return s.queries.Load()
}

// Query returns the matching rows in insertion order.
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]domain.StatRow, error) {
	s.queries.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.StatRow
	for _, r := range s.rows {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
