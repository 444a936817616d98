package snowflake

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/stats"
)

func TestParseConnectionString(t *testing.T) {
	connStr := "scheme=https;ACCOUNT=ADS-WH01;HOST=ADS-WH01.snowflakecomputing.com;port=443;USER=testuser;PASSWORD=testpass;DB=ADS.REPORTING;"

	cfg := ParseConnectionString(connStr)

	if cfg.Account != "ADS-WH01" {
		t.Errorf("Expected Account 'ADS-WH01', got '%s'", cfg.Account)
	}
	if cfg.User != "testuser" {
		t.Errorf("Expected User 'testuser', got '%s'", cfg.User)
	}
	if cfg.Password != "testpass" {
		t.Errorf("Expected Password 'testpass', got '%s'", cfg.Password)
	}
	if cfg.Database != "ADS" {
		t.Errorf("Expected Database 'ADS', got '%s'", cfg.Database)
	}
	if cfg.Schema != "REPORTING" {
		t.Errorf("Expected Schema 'REPORTING', got '%s'", cfg.Schema)
	}
}

func TestParseConnectionStringNoTrailingSemicolon(t *testing.T) {
	cfg := ParseConnectionString("ACCOUNT=test;USER=user;PASSWORD=pass;DB=mydb;WAREHOUSE=REPORTS_WH")

	if cfg.Account != "test" {
		t.Errorf("Expected Account 'test', got '%s'", cfg.Account)
	}
	if cfg.Database != "mydb" {
		t.Errorf("Expected Database 'mydb', got '%s'", cfg.Database)
	}
	if cfg.Warehouse != "REPORTS_WH" {
		t.Errorf("Expected Warehouse 'REPORTS_WH', got '%s'", cfg.Warehouse)
	}
}

func TestIndexOfChar(t *testing.T) {
	if idx := indexOfChar("key=value", '='); idx != 3 {
		t.Errorf("Expected index 3, got %d", idx)
	}
	if idx := indexOfChar("noequals", '='); idx != -1 {
		t.Errorf("Expected index -1, got %d", idx)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.SnowflakeConfig{
		ConnectionString: "ACCOUNT=acc;USER=u;PASSWORD=p;DB=D1.S1",
		User:             "override",
		Database:         "IGNORED",
		Warehouse:        "WH",
		Enabled:          true,
	})
	if cfg.User != "override" {
		t.Errorf("Expected User 'override', got '%s'", cfg.User)
	}
	if cfg.Database != "D1" || cfg.Schema != "S1" {
		t.Errorf("Expected D1.S1, got %s.%s", cfg.Database, cfg.Schema)
	}
	if cfg.Warehouse != "WH" || !cfg.Enabled {
		t.Errorf("Expected warehouse WH and enabled, got %+v", cfg)
	}
}

func TestDSN(t *testing.T) {
	dsn, err := DSN(Config{Account: "acc", User: "u", Password: "p", Database: "ADS", Schema: "REPORTING", Warehouse: "WH"})
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	for _, want := range []string{"u:p@", "account=acc", "database=ADS", "schema=REPORTING", "warehouse=WH"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("Expected DSN to contain %q, got %s", want, dsn)
		}
	}
}

func TestNewClientRequiresAccount(t *testing.T) {
	if _, err := NewClient(Config{User: "u"}); err == nil {
		t.Error("Expected error for missing account")
	}
}

func TestQueryUsesSnowflakeDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM DAILY_STATS s")).
		WithArgs("2024-01-01", "2024-01-01", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"stat_date", "advertiser_id", "advertiser_name", "campaign_id", "campaign_name",
			"creative_id", "creative_name", "impressions", "clicks", "conversions", "spend",
			"video_starts", "video_first_quartile", "video_midpoint", "video_third_quartile", "video_completes",
		}).AddRow(day, 7, "Acme", 3, "Launch", nil, "", 100, 4, 1, 2.5, 0, 0, 0, 0, 0))

	c := newClient(Config{}, db)
	rows, err := c.Query(context.Background(), stats.Query{Start: day, End: day, AdvertiserIDs: []int64{7}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].Clicks != 4 || *rows[0].CampaignID != 3 {
		t.Errorf("Unexpected rows: %+v", rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestQueryWrapsError(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("warehouse suspended"))

	_, err := newClient(Config{}, db).Query(context.Background(), stats.Query{})
	if err == nil || !strings.Contains(err.Error(), "warehouse suspended") {
		t.Errorf("Expected wrapped warehouse error, got %v", err)
	}
}

func TestLatestStatDate(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	want := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(stat_date) FROM DAILY_STATS")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(want))

	got, err := newClient(Config{}, db).LatestStatDate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
