// Package snowflake reads daily ad statistics from a Snowflake warehouse.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/adreport/internal/domain"
	"github.com/ignite/adreport/internal/stats"
	sf "github.com/snowflakedb/gosnowflake"
)

// Client provides access to Snowflake database
type Client struct {
	config Config
	db     *sql.DB
	store  *stats.SQLStore
}

// DSN builds the driver connection string for cfg.
func DSN(cfg Config) (string, error) {
	return sf.DSN(&sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
	})
}

// NewClient creates a new Snowflake client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Account == "" || cfg.User == "" {
		return nil, fmt.Errorf("snowflake: account and user are required")
	}
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newClient(cfg, db), nil
}

func newClient(cfg Config, db *sql.DB) *Client {
	return &Client{
		config: cfg,
		db:     db,
		store:  stats.NewSQLStore(db, stats.Snowflake, Tables()),
	}
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Query implements stats.Store.
func (c *Client) Query(ctx context.Context, q stats.Query) ([]domain.StatRow, error) {
	rows, err := c.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("snowflake: %w", err)
	}
	return rows, nil
}

// LatestStatDate returns the most recent day loaded into the warehouse, or
// the zero time when the table is empty.
func (c *Client) LatestStatDate(ctx context.Context) (time.Time, error) {
	var latest sql.NullTime
	err := c.db.QueryRowContext(ctx, `SELECT MAX(stat_date) FROM `+Tables().Stats).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest stat date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}
