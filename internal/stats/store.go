// Package stats defines the read-only statistics store the report pipeline
// extracts rows from, plus in-memory and partitioned implementations and
// the SQL shared by the PostgreSQL and Snowflake stores.
package stats

import (
	"context"
	"time"

	"github.com/ignite/adreport/internal/domain"
)

// Presence constrains whether an optional id column must be set.
type Presence int

const (
	Any Presence = iota
	Required
	Absent
)

func (p Presence) matches(id *int64) bool {
	switch p {
	case Required:
		return id != nil
	case Absent:
		return id == nil
	}
	return true
}

// Query selects statistic rows. Start and End are inclusive calendar days.
// Empty id lists do not restrict.
type Query struct {
	Start         time.Time
	End           time.Time
	AdvertiserIDs []int64
	CampaignIDs   []int64
	CreativeIDs   []int64
	Campaign      Presence
	Creative      Presence
}

// Matches reports whether row satisfies the query.
func (q Query) Matches(row domain.StatRow) bool {
	d := truncateDay(row.Date)
	if d.Before(truncateDay(q.Start)) || d.After(truncateDay(q.End)) {
		return false
	}
	if len(q.AdvertiserIDs) > 0 && !containsID(q.AdvertiserIDs, row.AdvertiserID) {
		return false
	}
	if !q.Campaign.matches(row.CampaignID) || !q.Creative.matches(row.CreativeID) {
		return false
	}
	if len(q.CampaignIDs) > 0 && (row.CampaignID == nil || !containsID(q.CampaignIDs, *row.CampaignID)) {
		return false
	}
	if len(q.CreativeIDs) > 0 && (row.CreativeID == nil || !containsID(q.CreativeIDs, *row.CreativeID)) {
		return false
	}
	return true
}

// Days returns the number of calendar days covered by the query.
func (q Query) Days() int {
	return int(truncateDay(q.End).Sub(truncateDay(q.Start)).Hours()/24) + 1
}

// Store is the statistics source. Implementations must be safe for
// concurrent use.
type Store interface {
	Query(ctx context.Context, q Query) ([]domain.StatRow, error)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
