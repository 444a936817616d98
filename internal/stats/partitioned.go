package stats

import (
	"context"
	"fmt"

	"github.com/ignite/adreport/internal/domain"
	"golang.org/x/sync/errgroup"
)

// PartitionedStore splits a query's date range into fixed windows and runs
// them concurrently against the wrapped store. Partial results are
// concatenated in window order; no metric is derived at this point, so
// summing happens later on raw counters only.
type PartitionedStore struct {
	store       Store
	windowDays  int
	concurrency int
}

// NewPartitionedStore wraps store. windowDays <= 0 disables partitioning.
func NewPartitionedStore(store Store, windowDays, concurrency int) *PartitionedStore {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PartitionedStore{store: store, windowDays: windowDays, concurrency: concurrency}
}

// Windows splits q into consecutive queries of at most windowDays days.
func (p *PartitionedStore) Windows(q Query) []Query {
	if p.windowDays <= 0 || q.Days() <= p.windowDays {
		return []Query{q}
	}
	var out []Query
	end := truncateDay(q.End)
	for start := truncateDay(q.Start); !start.After(end); start = start.AddDate(0, 0, p.windowDays) {
		w := q
		w.Start = start
		w.End = start.AddDate(0, 0, p.windowDays-1)
		if w.End.After(end) {
			w.End = end
		}
		out = append(out, w)
	}
	return out
}

// Query runs every window and concatenates the results. The first failing
// window cancels the rest.
func (p *PartitionedStore) Query(ctx context.Context, q Query) ([]domain.StatRow, error) {
	windows := p.Windows(q)
	if len(windows) == 1 {
		return p.store.Query(ctx, q)
	}

	parts := make([][]domain.StatRow, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			rows, err := p.store.Query(gctx, w)
			if err != nil {
				return fmt.Errorf("window %s..%s: %w",
					w.Start.Format(domain.DateLayout), w.End.Format(domain.DateLayout), err)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]domain.StatRow, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}
