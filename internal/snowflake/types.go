package snowflake

import (
	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/stats"
)

// Config holds Snowflake database configuration
type Config struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Enabled   bool   `yaml:"enabled"`
}

// FromConfig merges the application config section. A connection string,
// when set, provides account, credentials, database and schema; explicit
// fields override it.
func FromConfig(c config.SnowflakeConfig) Config {
	cfg := Config{}
	if c.ConnectionString != "" {
		cfg = ParseConnectionString(c.ConnectionString)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Account, c.Account)
	override(&cfg.User, c.User)
	override(&cfg.Password, c.Password)
	override(&cfg.Warehouse, c.Warehouse)
	if cfg.Database == "" {
		cfg.Database = c.Database
	}
	if cfg.Schema == "" {
		cfg.Schema = c.Schema
	}
	cfg.Enabled = c.Enabled
	return cfg
}

// ParseConnectionString extracts components from the connection string
// Format: scheme=https;ACCOUNT=xxx;HOST=yyy;port=443;USER=zzz;PASSWORD=www;DB=aaa;
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)

	var current string
	for _, c := range connStr {
		if c == ';' {
			if idx := indexOfChar(current, '='); idx > 0 {
				parts[current[:idx]] = current[idx+1:]
			}
			current = ""
		} else {
			current += string(c)
		}
	}
	// Handle last part without trailing semicolon
	if current != "" {
		if idx := indexOfChar(current, '='); idx > 0 {
			parts[current[:idx]] = current[idx+1:]
		}
	}

	// Parse database.schema from DB field if present
	db := parts["DB"]
	var database, schema string
	if idx := indexOfChar(db, '.'); idx > 0 {
		database = db[:idx]
		schema = db[idx+1:]
	} else {
		database = db
	}

	return Config{
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
	}
}

func indexOfChar(s string, c rune) int {
	for i, r := range s {
		if r == c {
			return i
		}
	}
	return -1
}

// Tables are the warehouse relations holding the daily statistics and the
// entity name dimensions.
func Tables() stats.Tables {
	return stats.Tables{
		Stats:       "DAILY_STATS",
		Advertisers: "ADVERTISERS",
		Campaigns:   "CAMPAIGNS",
		Creatives:   "CREATIVES",
	}
}
