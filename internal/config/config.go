package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the report service and workers
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AWS       AWSConfig       `yaml:"aws"`
	Storage   StorageConfig   `yaml:"storage"`
	Stats     StatsConfig     `yaml:"stats"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Worker    WorkerConfig    `yaml:"worker"`
	Platform  PlatformConfig  `yaml:"platform"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// Lifetime returns the connection lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds Redis settings used by the dispatcher and locks
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AWSConfig holds shared AWS client settings
type AWSConfig struct {
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"` // LocalStack / MinIO override
}

// GetProfile returns the AWS profile, with environment variable override
func (c AWSConfig) GetProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.Profile
}

// StorageConfig selects where report results are written: "local", "s3" or "memory"
type StorageConfig struct {
	Type      string `yaml:"type"`
	LocalPath string `yaml:"local_path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
}

// StatsConfig selects the statistics store: "postgres", "snowflake" or "csv"
type StatsConfig struct {
	Backend     string `yaml:"backend"`
	CSVPath     string `yaml:"csv_path"`
	WindowDays  int    `yaml:"window_days"` // 0 disables partitioned extraction
	Concurrency int    `yaml:"concurrency"`
}

// SnowflakeConfig holds Snowflake configuration for the statistics warehouse
type SnowflakeConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Account          string `yaml:"account"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Database         string `yaml:"database"`
	Schema           string `yaml:"schema"`
	Warehouse        string `yaml:"warehouse"`
	Enabled          bool   `yaml:"enabled"`
}

// JobsConfig selects the job repository: "postgres", "dynamodb" or "memory"
type JobsConfig struct {
	Backend       string `yaml:"backend"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	// MetricsTable holds custom metric definitions when the job backend
	// is dynamodb.
	MetricsTable  string `yaml:"dynamodb_metrics_table"`
}

// DispatchConfig selects the task dispatch facility: "redis", "sqs" or "memory"
type DispatchConfig struct {
	Backend     string `yaml:"backend"`
	RedisQueue  string `yaml:"redis_queue"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	BufferSize  int    `yaml:"buffer_size"`
}

// WorkerConfig holds execution pool and reaper settings
type WorkerConfig struct {
	Concurrency          int    `yaml:"concurrency"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	JobTimeoutMinutes    int    `yaml:"job_timeout_minutes"`
	ReapSchedule         string `yaml:"reap_schedule"`
	ReapBatch            int    `yaml:"reap_batch"`
}

// PollInterval returns the dispatch receive wait as a duration
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SweepInterval returns the pending sweep interval as a duration
func (c WorkerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// JobTimeout returns how long a job may stay processing before it is reaped
func (c WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// PlatformConfig holds platform report settings
type PlatformConfig struct {
	TakeRate float64 `yaml:"take_rate"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for binaries
// started without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Stats.Backend == "" {
		cfg.Stats.Backend = "postgres"
	}
	if cfg.Stats.Concurrency == 0 {
		cfg.Stats.Concurrency = 4
	}
	// Snowflake defaults
	if cfg.Snowflake.Database == "" {
		cfg.Snowflake.Database = "ADS"
	}
	if cfg.Snowflake.Schema == "" {
		cfg.Snowflake.Schema = "REPORTING"
	}
	if cfg.Jobs.Backend == "" {
		cfg.Jobs.Backend = "postgres"
	}
	if cfg.Jobs.DynamoDBTable == "" {
		cfg.Jobs.DynamoDBTable = "report_jobs"
	}
	if cfg.Jobs.MetricsTable == "" {
		cfg.Jobs.MetricsTable = "report_custom_metrics"
	}
	if cfg.Dispatch.Backend == "" {
		cfg.Dispatch.Backend = "redis"
	}
	if cfg.Dispatch.RedisQueue == "" {
		cfg.Dispatch.RedisQueue = "adreport:jobs"
	}
	if cfg.Dispatch.BufferSize == 0 {
		cfg.Dispatch.BufferSize = 256
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalSeconds == 0 {
		cfg.Worker.PollIntervalSeconds = 5
	}
	if cfg.Worker.SweepIntervalSeconds == 0 {
		cfg.Worker.SweepIntervalSeconds = 30
	}
	if cfg.Worker.JobTimeoutMinutes == 0 {
		cfg.Worker.JobTimeoutMinutes = 30
	}
	if cfg.Worker.ReapSchedule == "" {
		cfg.Worker.ReapSchedule = "@every 1m"
	}
	if cfg.Worker.ReapBatch == 0 {
		cfg.Worker.ReapBatch = 100
	}
	if cfg.Platform.TakeRate == 0 {
		cfg.Platform.TakeRate = 0.15
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// An empty path skips the file and starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_ENDPOINT_URL"); v != "" {
		cfg.AWS.Endpoint = v
	}
	if v := os.Getenv("SQS_REPORT_QUEUE_URL"); v != "" {
		cfg.Dispatch.SQSQueueURL = v
	}
	if v := os.Getenv("REPORT_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("REPORT_JOBS_TABLE"); v != "" {
		cfg.Jobs.DynamoDBTable = v
	}
	if v := os.Getenv("REPORT_METRICS_TABLE"); v != "" {
		cfg.Jobs.MetricsTable = v
	}
	// Snowflake overrides
	if v := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); v != "" {
		cfg.Snowflake.ConnectionString = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("SNOWFLAKE_WAREHOUSE"); v != "" {
		cfg.Snowflake.Warehouse = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
