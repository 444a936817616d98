package postgres

import (
	"database/sql"
	"time"

	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/stats"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// NewStatsStore reads daily statistics from the reporting tables.
func NewStatsStore(db *sql.DB) *stats.SQLStore {
	return stats.NewSQLStore(db, stats.Postgres, stats.DefaultTables())
}

// Open connects with the pool limits from cfg.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if lt := cfg.Lifetime(); lt > 0 {
		db.SetConnMaxLifetime(lt)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}
