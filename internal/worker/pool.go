package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/adreport/internal/dispatch"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/service/report"
)

// =============================================================================
// EXECUTION POOL — Queue Consumers Plus A Pending Sweep
// =============================================================================
// Consumers receive job ids from the dispatch queue and execute them. The
// sweep periodically lists pending jobs and executes them directly, which
// recovers jobs whose enqueue failed or whose message was lost. A job seen
// by both paths is executed once: the second claim loses the CAS.

// PoolConfig configures a Pool.
type PoolConfig struct {
	Concurrency   int
	PollWait      time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Received  int64 `json:"received"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Swept     int64 `json:"swept"`
}

// Pool runs report jobs with bounded concurrency.
type Pool struct {
	coord *Coordinator
	queue dispatch.Queue
	svc   *report.Service
	cfg   PoolConfig
	slots chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	received  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	swept     atomic.Int64
}

// NewPool creates a pool. A zero SweepInterval disables the pending sweep.
func NewPool(coord *Coordinator, queue dispatch.Queue, svc *report.Service, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Pool{
		coord: coord,
		queue: queue,
		svc:   svc,
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches the consumers and the sweep. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	logger.Info("[worker.Pool] starting",
		"worker_id", p.coord.WorkerID(),
		"concurrency", p.cfg.Concurrency,
		"queue", p.queue.Name(),
		"sweep_interval", p.cfg.SweepInterval)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.consume(ctx)
	}
	if p.cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
}

// Stop stops receiving and sweeping, then waits for in-flight jobs to
// finish. Jobs are not interrupted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("[worker.Pool] stopped", "worker_id", p.coord.WorkerID())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Received:  p.received.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Swept:     p.swept.Load(),
	}
}

func (p *Pool) consume(ctx context.Context) {
	defer p.wg.Done()
	for ctx.Err() == nil {
		msgs, err := p.queue.Receive(ctx, p.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("[worker.Pool] receive failed", "queue", p.queue.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			p.received.Add(1)
			p.execute(ctx, m.JobID)
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.Ack(actx); err != nil {
				logger.Warn("[worker.Pool] ack failed", "job_id", m.JobID, "error", err)
			}
			cancel()
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep executes up to SweepBatch pending jobs and returns how many it
// attempted.
func (p *Pool) Sweep(ctx context.Context) int {
	ids, err := p.svc.PendingIDs(ctx, p.cfg.SweepBatch)
	if err != nil {
		logger.Error("[worker.Pool] pending sweep failed", "error", err)
		return 0
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p.swept.Add(1)
		p.execute(ctx, id)
	}
	if len(ids) > 0 {
		logger.Info("[worker.Pool] pending sweep", "jobs", len(ids))
	}
	return len(ids)
}

// execute runs one job inside a concurrency slot. Cancelling ctx stops
// waiting for a slot but not a job that already has one: a claimed job
// runs to completion, bounded by the coordinator timeout.
func (p *Pool) execute(ctx context.Context, jobID string) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.slots }()

	switch p.coord.Execute(context.WithoutCancel(ctx), jobID) {
	case domain.JobCompleted:
		p.completed.Add(1)
	case domain.JobFailed:
		p.failed.Add(1)
	default:
		p.skipped.Add(1)
	}
}
