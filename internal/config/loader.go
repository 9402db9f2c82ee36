package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := populate(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// populate walks the struct tree and fills every field carrying an env tag.
func populate(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := populate(fv); err != nil {
				return err
			}
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		raw, ok := lookup(name, field.Tag.Get("envAlt"))
		if !ok {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			raw = field.Tag.Get("default")
		}
		if raw == "" {
			continue
		}

		if err := assign(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, raw, err)
		}
	}

	return nil
}

// lookup returns the first non-empty value among the primary and alternate names.
func lookup(primary, alt string) (string, bool) {
	if v := os.Getenv(primary); v != "" {
		return v, true
	}
	if alt != "" {
		if v := os.Getenv(alt); v != "" {
			return v, true
		}
	}
	return "", false
}

// assign parses raw into the field according to its kind.
func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		fv.SetBool(b)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", fv.Type().Elem().Kind())
		}
		fv.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("unsupported field type: %s", fv.Kind())
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case DriverPgx, DriverGormPostgres:
		if c.Database.URL == "" {
			add("DATABASE_URL is required when STORE_DRIVER=%s", c.Database.Driver)
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			add("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		add("STORE_DRIVER (%q) must be one of: pgx, gorm-postgres, sqlite", c.Database.Driver)
	}
	if c.Database.MaxConns <= 0 {
		add("DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		add("DB_MIN_CONNS must be non-negative")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		add("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		add("SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Upload.MaxFileSize <= 0 {
		add("UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.MaxConcurrent <= 0 {
		add("UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		add("UPLOAD_MAX_WAIT_TIME must be positive")
	}

	if c.Import.BatchSize <= 0 {
		add("IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.Timeout <= 0 {
		add("IMPORT_TIMEOUT must be positive")
	}
	if c.Import.FlushTimeout <= 0 {
		add("IMPORT_FLUSH_TIMEOUT must be positive")
	}

	switch c.Queue.Driver {
	case QueueMemory:
		if c.Queue.Buffer <= 0 {
			add("QUEUE_BUFFER must be positive")
		}
	case QueueSQS:
		if c.Queue.ImportQueueURL == "" || c.Queue.DeliveryQueueURL == "" {
			add("SQS_IMPORT_QUEUE_URL and SQS_DELIVERY_QUEUE_URL are required when QUEUE_DRIVER=sqs")
		}
		if c.Queue.WaitTime < 0 || c.Queue.WaitTime > 20*time.Second {
			add("SQS_WAIT_TIME must be between 0s and 20s")
		}
		if c.Queue.VisibilityTimeout < 2*time.Second || c.Queue.VisibilityTimeout > MaxSQSLease {
			add("SQS_VISIBILITY_TIMEOUT must be between 2s and %s", MaxSQSLease)
		}
		// Renewals cannot hold a message past MaxSQSLease, so a longer import
		// would be redelivered while it still runs.
		if c.Import.Timeout > MaxSQSLease {
			add("IMPORT_TIMEOUT (%s) must not exceed %s when QUEUE_DRIVER=sqs", c.Import.Timeout, MaxSQSLease)
		}
	default:
		add("QUEUE_DRIVER (%q) must be one of: memory, sqs", c.Queue.Driver)
	}
	if c.Queue.ImportWorkers <= 0 {
		add("QUEUE_IMPORT_WORKERS must be positive")
	}
	if c.Queue.DeliveryWorkers <= 0 {
		add("QUEUE_DELIVERY_WORKERS must be positive")
	}

	if c.Webhook.Timeout <= 0 {
		add("WEBHOOK_TIMEOUT must be positive")
	}
	if c.Webhook.TestTimeout <= 0 {
		add("WEBHOOK_TEST_TIMEOUT must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		add("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Webhook.LookupTimeout <= 0 {
		add("WEBHOOK_LOOKUP_TIMEOUT must be positive")
	}
	if c.Webhook.MaxBackoff < c.Webhook.InitialBackoff {
		add("WEBHOOK_MAX_BACKOFF must be >= WEBHOOK_INITIAL_BACKOFF")
	}

	switch c.Progress.Driver {
	case ProgressMemory:
	case ProgressPostgres:
		if c.Database.Driver == DriverSQLite {
			add("PROGRESS_DRIVER=postgres requires a Postgres STORE_DRIVER")
		}
	default:
		add("PROGRESS_DRIVER (%q) must be one of: memory, postgres", c.Progress.Driver)
	}
	if c.Progress.TTL <= 0 {
		add("PROGRESS_TTL must be positive")
	}

	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		add("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.UploadLimit <= 0 {
		add("RATE_LIMIT_UPLOAD must be positive when rate limiting is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String renders the config for logging with the database URL masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {Driver: %q, URL: [MASKED], MaxConns: %d}, ", c.Database.Driver, c.Database.MaxConns)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, Timeout: %s}, ", c.Import.BatchSize, c.Import.Timeout)
	fmt.Fprintf(&b, "Queue: {Driver: %q, ImportWorkers: %d, DeliveryWorkers: %d}, ",
		c.Queue.Driver, c.Queue.ImportWorkers, c.Queue.DeliveryWorkers)
	fmt.Fprintf(&b, "Webhook: {Timeout: %s, MaxAttempts: %d}, ", c.Webhook.Timeout, c.Webhook.MaxAttempts)
	fmt.Fprintf(&b, "Progress: {Driver: %q, TTL: %s}, ", c.Progress.Driver, c.Progress.TTL)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
