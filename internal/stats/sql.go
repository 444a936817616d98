package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/adreport/internal/domain"
)

// Dialect selects placeholder syntax for generated SQL.
type Dialect int

const (
	// Postgres uses numbered $n placeholders.
	Postgres Dialect = iota
	// Snowflake uses positional ? placeholders.
	Snowflake
)

// Tables names the relations the statistics query reads.
type Tables struct {
	Stats       string
	Advertisers string
	Campaigns   string
	Creatives   string
}

// DefaultTables returns the table names created by the bundled migrations.
func DefaultTables() Tables {
	return Tables{
		Stats:       "daily_stats",
		Advertisers: "advertisers",
		Campaigns:   "campaigns",
		Creatives:   "creatives",
	}
}

// BuildSQL renders q as a SELECT over the stats table with entity names
// joined in. The column order matches ScanRows.
func BuildSQL(q Query, d Dialect, t Tables) (string, []interface{}) {
	var args []interface{}
	ph := func(v interface{}) string {
		args = append(args, v)
		if d == Snowflake {
			return "?"
		}
		return fmt.Sprintf("$%d", len(args))
	}
	in := func(col string, ids []int64) string {
		marks := make([]string, len(ids))
		for i, id := range ids {
			marks[i] = ph(id)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", "))
	}

	var b strings.Builder
	b.WriteString(`SELECT s.stat_date, s.advertiser_id, COALESCE(a.name, ''),
		s.campaign_id, COALESCE(c.name, ''), s.creative_id, COALESCE(cr.name, ''),
		s.impressions, s.clicks, s.conversions, s.spend,
		COALESCE(s.video_starts, 0), COALESCE(s.video_first_quartile, 0),
		COALESCE(s.video_midpoint, 0), COALESCE(s.video_third_quartile, 0),
		COALESCE(s.video_completes, 0)
	FROM `)
	fmt.Fprintf(&b, "%s s\n\tLEFT JOIN %s a ON a.id = s.advertiser_id", t.Stats, t.Advertisers)
	fmt.Fprintf(&b, "\n\tLEFT JOIN %s c ON c.id = s.campaign_id", t.Campaigns)
	fmt.Fprintf(&b, "\n\tLEFT JOIN %s cr ON cr.id = s.creative_id", t.Creatives)

	where := []string{
		"s.stat_date >= " + ph(truncateDay(q.Start).Format(domain.DateLayout)),
		"s.stat_date <= " + ph(truncateDay(q.End).Format(domain.DateLayout)),
	}
	if len(q.AdvertiserIDs) > 0 {
		where = append(where, in("s.advertiser_id", q.AdvertiserIDs))
	}
	if len(q.CampaignIDs) > 0 {
		where = append(where, in("s.campaign_id", q.CampaignIDs))
	}
	if len(q.CreativeIDs) > 0 {
		where = append(where, in("s.creative_id", q.CreativeIDs))
	}
	where = append(where, presenceClause("s.campaign_id", q.Campaign)...)
	where = append(where, presenceClause("s.creative_id", q.Creative)...)

	b.WriteString("\n\tWHERE ")
	b.WriteString(strings.Join(where, "\n\t  AND "))
	b.WriteString("\n\tORDER BY s.stat_date, s.advertiser_id, s.campaign_id, s.creative_id")
	return b.String(), args
}

func presenceClause(col string, p Presence) []string {
	switch p {
	case Required:
		return []string{col + " IS NOT NULL"}
	case Absent:
		return []string{col + " IS NULL"}
	}
	return nil
}

// ScanRows reads every row produced by a BuildSQL query.
func ScanRows(rows *sql.Rows) ([]domain.StatRow, error) {
	defer rows.Close()
	var out []domain.StatRow
	for rows.Next() {
		var (
			r                    domain.StatRow
			date                 time.Time
			campaignID, creative sql.NullInt64
		)
		if err := rows.Scan(
			&date, &r.AdvertiserID, &r.AdvertiserName,
			&campaignID, &r.CampaignName, &creative, &r.CreativeName,
			&r.Impressions, &r.Clicks, &r.Conversions, &r.Spend,
			&r.VideoStarts, &r.VideoFirstQuartile, &r.VideoMidpoint,
			&r.VideoThirdQuartile, &r.VideoCompletes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stat row: %w", err)
		}
		r.Date = truncateDay(date)
		if campaignID.Valid {
			v := campaignID.Int64
			r.CampaignID = &v
		}
		if creative.Valid {
			v := creative.Int64
			r.CreativeID = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stat rows: %w", err)
	}
	return out, nil
}

// SQLStore runs statistics queries against a database/sql handle.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	tables  Tables
}

// NewSQLStore creates a store for the given dialect.
func NewSQLStore(db *sql.DB, d Dialect, t Tables) *SQLStore {
	return &SQLStore{db: db, dialect: d, tables: t}
}

// Query executes q and scans the result.
func (s *SQLStore) Query(ctx context.Context, q Query) ([]domain.StatRow, error) {
	query, args := BuildSQL(q, s.dialect, s.tables)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return ScanRows(rows)
}
