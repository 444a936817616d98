package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/adreport/internal/app"
	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/pkg/distlock"
	"github.com/ignite/adreport/internal/pkg/metrics"
	"github.com/ignite/adreport/internal/worker"
)

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml (optional)")
	metricsAddr := flag.String("metrics-addr", os.Getenv("WORKER_METRICS_ADDR"), "address for the /metrics listener (empty disables)")
	flag.Parse()

	log.Println("Starting ad report worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize backends: %v", err)
	}
	defer a.Close()

	id := workerID()
	timeout := cfg.Worker.JobTimeout()
	coord := worker.NewCoordinator(a.Service, a.Stats, a.Results, id, timeout)

	pool := worker.NewPool(coord, a.Queue, a.Service, worker.PoolConfig{
		Concurrency:   cfg.Worker.Concurrency,
		PollWait:      cfg.Worker.PollInterval(),
		SweepInterval: cfg.Worker.SweepInterval(),
		SweepBatch:    cfg.Worker.ReapBatch,
	})
	pool.Start(ctx)
	log.Printf("Worker pool started (id=%s, concurrency=%d, queue=%s)", id, cfg.Worker.Concurrency, a.Queue.Name())

	// Only one worker in the fleet reaps per tick; the lock outlives a slow sweep.
	lock := distlock.NewLock(a.Redis, a.DB, "report-reaper", 5*time.Minute)
	reaper := worker.NewReaper(a.Service, lock, cfg.Worker.ReapSchedule, timeout, cfg.Worker.ReapBatch)
	if err := reaper.Start(ctx); err != nil {
		log.Fatalf("Failed to start reaper: %v", err)
	}
	log.Printf("Reaper started (schedule=%q, timeout=%s)", cfg.Worker.ReapSchedule, timeout)

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("Serving worker metrics on %s", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics listener error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	// Stop drains claimed jobs before the root context goes away.
	pool.Stop()
	reaper.Stop()
	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	st := pool.Stats()
	log.Printf("Worker stopped (received=%d completed=%d failed=%d skipped=%d swept=%d)",
		st.Received, st.Completed, st.Failed, st.Skipped, st.Swept)
}
