package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSQLitePath is where the embedded store lives unless overridden.
const DefaultSQLitePath = "~/.hush/hush.db"

// Config holds the hush application flags. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	DBMaxConns            int
	SQLitePath            string
	SlackWebhookURL       string
	RedisAddr             string
	RedisStream           string
	PolicyFile            string
	QueueSize             int
	PollInterval          time.Duration
	Timezone              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = unauthenticated)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over sqlite-path)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "PostgreSQL pool size (0 = driver default)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", DefaultSQLitePath, "SQLite database file (empty with no database-url = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alerts (empty = log alerts)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for forwarding recorded events (empty = disabled)")
	fs.StringVar(&c.RedisStream, "redis-stream", "hush:events", "Redis stream that receives forwarded events")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy seed file")
	fs.IntVar(&c.QueueSize, "queue-size", 1024, "capacity of the ingestion queue (1..1000000)")
	fs.DurationVar(&c.PollInterval, "poll-interval", time.Second, "ingestion poll interval when the queue is idle (10ms..1m)")
	fs.StringVar(&c.Timezone, "timezone", "Local", "IANA time zone for digest schedules")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, errors.New("DATABASE_URL must be a postgres:// or postgresql:// URL"))
		}
	}
	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}

	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an http(s) URL"))
		}
	}

	if c.RedisAddr != "" && c.RedisStream == "" {
		errs = append(errs, errors.New("REDIS_STREAM is required when REDIS_ADDR is set"))
	}

	if c.QueueSize <= 0 || c.QueueSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..1000000)", c.QueueSize))
	}
	if c.PollInterval < 10*time.Millisecond || c.PollInterval > time.Minute {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be 10ms..1m)", c.PollInterval))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Location returns the configured schedule time zone, falling back to
// time.Local when the name cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ResolveSQLitePath expands a leading "~/" against the user's home directory.
// An empty path stays empty.
func (c *Config) ResolveSQLitePath() (string, error) {
	p := c.SQLitePath
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve sqlite path: %w", err)
	}
	return filepath.Join(home, rest), nil
}
