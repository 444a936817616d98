package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ignite/adreport/internal/pkg/distlock"
	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/service/report"
)

// Reaper fails jobs stuck in processing beyond the timeout. It runs on a
// cron schedule, and the sweep is guarded by a distributed lock so one
// instance reaps at a time. The reap itself is a conditional update, so a
// job that completes during the sweep is left alone.
type Reaper struct {
	svc      *report.Service
	lock     distlock.DistLock
	timeout  time.Duration
	batch    int
	schedule string
	cron     *cron.Cron
}

// NewReaper creates a reaper. schedule is a cron spec or descriptor such as
// "@every 1m".
func NewReaper(svc *report.Service, lock distlock.DistLock, schedule string, timeout time.Duration, batch int) *Reaper {
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{
		svc:      svc,
		lock:     lock,
		timeout:  timeout,
		batch:    batch,
		schedule: schedule,
	}
}

// Sweep reaps stale jobs if this instance gets the lock. It returns the
// number of jobs failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	reaped := 0
	ran, err := distlock.Run(ctx, r.lock, func(ctx context.Context) error {
		n, err := r.svc.ReapStale(ctx, r.timeout, r.batch)
		reaped = n
		return err
	})
	if err != nil {
		return reaped, err
	}
	if !ran {
		logger.Debug("[worker.Reaper] another instance holds the reaper lock")
		return 0, nil
	}
	if reaped > 0 {
		logger.Warn("[worker.Reaper] reaped stuck jobs", "count", reaped, "timeout", r.timeout)
	}
	return reaped, nil
}

// Start schedules the sweep. It returns immediately.
func (r *Reaper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	_, err := c.AddFunc(r.schedule, func() {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := r.Sweep(sctx); err != nil {
			logger.Error("[worker.Reaper] sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	c.Start()
	logger.Info("[worker.Reaper] scheduled", "schedule", r.schedule, "timeout", r.timeout)
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
