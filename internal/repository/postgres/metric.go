package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/adreport/internal/domain"
)

// CustomMetricRepo implements report.MetricStore against PostgreSQL.
type CustomMetricRepo struct{ db *sql.DB }

// NewCustomMetricRepo creates a Postgres-backed custom metric repository.
func NewCustomMetricRepo(db *sql.DB) *CustomMetricRepo { return &CustomMetricRepo{db: db} }

func (r *CustomMetricRepo) SaveCustomMetric(ctx context.Context, def domain.CustomMetricDef) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO custom_metrics (advertiser_id, name, formula, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (advertiser_id, name) DO UPDATE SET formula = $3, description = $4
	`, def.AdvertiserID, def.Name, def.Formula, def.Description, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("save custom metric: %w", err)
	}
	return nil
}

func (r *CustomMetricRepo) ListCustomMetrics(ctx context.Context) ([]domain.CustomMetricDef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT advertiser_id, name, formula, COALESCE(description,''), created_at
		FROM custom_metrics
		ORDER BY advertiser_id, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list custom metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.CustomMetricDef
	for rows.Next() {
		var d domain.CustomMetricDef
		if err := rows.Scan(&d.AdvertiserID, &d.Name, &d.Formula, &d.Description, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan custom metric: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
