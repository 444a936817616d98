// Package app assembles the report service and its backends from
// configuration. The API server and the worker share it so both sides of
// the queue agree on the job repository, result store and dispatcher.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/adreport/internal/api"
	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/dispatch"
	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/formula"
	"github.com/ignite/adreport/internal/pkg/awsutil"
	"github.com/ignite/adreport/internal/pkg/logger"
	"github.com/ignite/adreport/internal/repository/dynamo"
	"github.com/ignite/adreport/internal/repository/memory"
	"github.com/ignite/adreport/internal/repository/postgres"
	"github.com/ignite/adreport/internal/service/report"
	"github.com/ignite/adreport/internal/snowflake"
	"github.com/ignite/adreport/internal/stats"
	"github.com/ignite/adreport/internal/storage"
	"github.com/ignite/adreport/internal/strategy"
)

// App holds every long-lived dependency built from a Config.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Redis   *redis.Client
	S3      *s3.Client
	Jobs    report.Repository
	Stats   stats.Store
	Results storage.ResultStore
	Queue   dispatch.Queue
	Service *report.Service

	closers []io.Closer
}

// Build connects to the configured backends and wires the report service.
// On error every resource opened so far is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	if err = a.openDatabase(ctx); err != nil {
		return nil, err
	}
	if cfg.Redis.URL != "" {
		opts, perr := redis.ParseURL(cfg.Redis.URL)
		if perr != nil {
			return nil, fmt.Errorf("parse redis url: %w", perr)
		}
		a.Redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.Redis)
	}

	var metrics report.MetricStore
	if metrics, err = a.buildJobs(ctx); err != nil {
		return nil, err
	}
	if err = a.buildStats(); err != nil {
		return nil, err
	}
	if a.Results, err = storage.New(ctx, cfg.Storage, cfg.AWS); err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	if cfg.Storage.Type == "s3" {
		ac, lerr := awsutil.Load(ctx, cfg.AWS)
		if lerr != nil {
			return nil, lerr
		}
		a.S3 = storage.NewS3Client(ac, cfg.AWS.Endpoint != "")
	}
	if a.Queue, err = dispatch.New(ctx, cfg.Dispatch, a.Redis, cfg.AWS); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	strategies := strategy.NewRegistry(cfg.Platform.TakeRate)
	a.Service = report.NewService(a.Jobs, strategies, formula.NewRegistry(strategies.ExtraNames()...)).
		WithDispatcher(a.Queue).
		WithResults(a.Results).
		WithMetricStore(metrics)

	n, err := a.Service.LoadMetrics(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("[app] backends ready",
		"jobs", cfg.Jobs.Backend,
		"stats", cfg.Stats.Backend,
		"storage", cfg.Storage.Type,
		"dispatch", a.Queue.Name(),
		"custom_metrics", n,
	)
	return a, nil
}

func (a *App) needsDatabase() bool {
	return a.Config.Jobs.Backend == "postgres" || a.Config.Stats.Backend == "postgres"
}

func (a *App) openDatabase(ctx context.Context) error {
	if a.Config.Database.URL == "" {
		if a.needsDatabase() {
			return errors.New("database url is required for the postgres backends")
		}
		return nil
	}
	db, err := postgres.Open(a.Config.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database %s: %w", logger.RedactDSN(a.Config.Database.URL), err)
	}
	return nil
}

// buildJobs selects the job repository and returns where custom metrics
// are persisted alongside it.
func (a *App) buildJobs(ctx context.Context) (report.MetricStore, error) {
	switch a.Config.Jobs.Backend {
	case "postgres":
		a.Jobs = postgres.NewJobRepo(a.DB)
		return postgres.NewCustomMetricRepo(a.DB), nil
	case "dynamodb":
		ac, err := awsutil.Load(ctx, a.Config.AWS)
		if err != nil {
			return nil, err
		}
		client := dynamo.NewClient(ac)
		a.Jobs = dynamo.NewJobRepo(client, a.Config.Jobs.DynamoDBTable)
		if a.DB != nil {
			return postgres.NewCustomMetricRepo(a.DB), nil
		}
		return dynamo.NewMetricRepo(client, a.Config.Jobs.MetricsTable), nil
	case "memory":
		a.Jobs = memory.NewJobRepo()
		return memory.NewMetricRepo(), nil
	default:
		return nil, fmt.Errorf("unknown jobs backend %q", a.Config.Jobs.Backend)
	}
}

func (a *App) buildStats() error {
	var store stats.Store
	switch a.Config.Stats.Backend {
	case "postgres":
		store = postgres.NewStatsStore(a.DB)
	case "snowflake":
		client, err := snowflake.NewClient(snowflake.FromConfig(a.Config.Snowflake))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client)
		store = client
	case "csv":
		rows, err := loadCSV(a.Config.Stats.CSVPath)
		if err != nil {
			return err
		}
		store = stats.NewMemoryStore(rows...)
	default:
		return fmt.Errorf("unknown stats backend %q", a.Config.Stats.Backend)
	}
	if w := a.Config.Stats.WindowDays; w > 0 {
		store = stats.NewPartitionedStore(store, w, a.Config.Stats.Concurrency)
	}
	a.Stats = store
	return nil
}

func loadCSV(path string) ([]domain.StatRow, error) {
	if path == "" {
		return nil, errors.New("stats csv_path is required for the csv backend")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stats csv: %w", err)
	}
	defer f.Close()
	rows, err := stats.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read stats csv %s: %w", path, err)
	}
	return rows, nil
}

// HealthChecker builds the health endpoints over whichever backends are
// configured.
func (a *App) HealthChecker() *api.HealthChecker {
	var bucket api.BucketAPI
	if a.S3 != nil {
		bucket = a.S3
	}
	return api.NewHealthChecker(a.DB, a.Redis, bucket, a.Config.Storage.S3Bucket, a.Service)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
