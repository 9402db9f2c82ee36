// Package config loads service configuration from environment variables.
// Every setting has a default except the database URL for the Postgres
// drivers, and the whole tree is validated once at startup.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Import   ImportConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Progress ProgressConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays 0 so the progress stream is not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// Store drivers.
const (
	DriverPgx          = "pgx"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

// DatabaseConfig selects and tunes the catalog store.
type DatabaseConfig struct {
	// Driver is one of pgx, gorm-postgres, sqlite (default: pgx)
	Driver string `env:"STORE_DRIVER" default:"pgx"`

	// URL is the PostgreSQL connection string. Required unless Driver is sqlite.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// SQLitePath is the database file for the sqlite driver (default: catalog.db)
	SQLitePath string `env:"SQLITE_PATH" default:"catalog.db"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate creates tables on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// UploadConfig holds settings for accepting upload files.
type UploadConfig struct {
	// MaxFileSize is the maximum accepted file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent bounds simultaneous uploads being staged (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long an upload waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// StagingDir receives uploaded files until the import worker picks them up.
	// Empty means the OS temp dir.
	StagingDir string `env:"UPLOAD_STAGING_DIR"`
}

// ImportConfig holds batch importer settings.
type ImportConfig struct {
	// BatchSize is the number of rows per upsert transaction (default: 5000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"5000"`

	// Timeout bounds a single import job (default: 30m)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"30m"`

	// FlushTimeout bounds one batch commit (default: 2m)
	FlushTimeout time.Duration `env:"IMPORT_FLUSH_TIMEOUT" default:"2m"`
}

// Queue drivers.
const (
	QueueMemory = "memory"
	QueueSQS    = "sqs"
)

// QueueConfig selects the job transport and sizes the worker pools.
type QueueConfig struct {
	Driver string `env:"QUEUE_DRIVER" default:"memory"`

	// Buffer is the capacity of each in-memory queue (default: 10000)
	Buffer int `env:"QUEUE_BUFFER" default:"10000"`

	ImportWorkers   int `env:"QUEUE_IMPORT_WORKERS" default:"2"`
	DeliveryWorkers int `env:"QUEUE_DELIVERY_WORKERS" default:"8"`

	ImportQueueURL   string `env:"SQS_IMPORT_QUEUE_URL"`
	DeliveryQueueURL string `env:"SQS_DELIVERY_QUEUE_URL"`

	AWSRegion string `env:"AWS_REGION" default:"us-east-1"`

	// AWSEndpoint points the SQS client at a local emulator such as LocalStack.
	AWSEndpoint string `env:"AWS_ENDPOINT"`

	// WaitTime is the SQS long-poll duration (default: 10s, max 20s)
	WaitTime time.Duration `env:"SQS_WAIT_TIME" default:"10s"`

	// VisibilityTimeout hides a received message from other consumers
	// (default: 5m). Workers renew it every half period while a job runs.
	VisibilityTimeout time.Duration `env:"SQS_VISIBILITY_TIMEOUT" default:"5m"`
}

// MaxSQSLease is the longest SQS keeps a received message hidden, renewals
// included.
const MaxSQSLease = 12 * time.Hour

// WebhookConfig holds outbound delivery settings.
type WebhookConfig struct {
	// Timeout bounds each delivery POST (default: 10s)
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" default:"10s"`

	// TestTimeout bounds the manual test delivery (default: 5s)
	TestTimeout time.Duration `env:"WEBHOOK_TEST_TIMEOUT" default:"5s"`

	// MaxAttempts includes the first attempt; 1 disables retries (default: 1)
	MaxAttempts int `env:"WEBHOOK_MAX_ATTEMPTS" default:"1"`

	InitialBackoff time.Duration `env:"WEBHOOK_INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `env:"WEBHOOK_MAX_BACKOFF" default:"30s"`

	// LookupTimeout bounds each subscription read or delivery record write (default: 5s)
	LookupTimeout time.Duration `env:"WEBHOOK_LOOKUP_TIMEOUT" default:"5s"`
}

// Progress drivers.
const (
	ProgressMemory   = "memory"
	ProgressPostgres = "postgres"
)

// ProgressConfig selects the progress store and its retention.
type ProgressConfig struct {
	Driver string `env:"PROGRESS_DRIVER" default:"memory"`

	// TTL is how long finished jobs stay pollable (default: 24h)
	TTL time.Duration `env:"PROGRESS_TTL" default:"24h"`

	// SweepSchedule is a cron spec for expiring finished jobs (default: @every 5m)
	SweepSchedule string `env:"PROGRESS_SWEEP_SCHEDULE" default:"@every 5m"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for the upload endpoint (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP / X-Forwarded-For headers are honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
