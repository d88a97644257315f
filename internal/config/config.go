// Package config provides YAML-based configuration loading for the
// coordination layer.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Supported backoff strategies for delivery retries.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Config is the top-level configuration, loaded from ssa.yaml.
type Config struct {
	PodName     string            `yaml:"pod_name"`
	Database    DatabaseConfig    `yaml:"database"`
	Session     SessionConfig     `yaml:"session"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Slack       SlackConfig       `yaml:"slack"`
	Discord     DiscordConfig     `yaml:"discord"`
	Status      StatusConfig      `yaml:"status"`
}

// DatabaseConfig holds connection settings for the shared store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	DSN             string        `yaml:"dsn"` // overrides host/port/user/password/name when set
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SessionConfig controls session expiry.
type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	ExpireBatchSize int           `yaml:"expire_batch_size"`
}

// DeliveryConfig controls the retry budget of outbound deliveries.
type DeliveryConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

// BackoffConfig describes the delay between delivery attempts.
type BackoffConfig struct {
	Strategy string        `yaml:"strategy"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

// MaintenanceConfig controls the singleton maintenance duty.
type MaintenanceConfig struct {
	Schedule  string        `yaml:"schedule"`   // 5-field cron expression
	LockLease time.Duration `yaml:"lock_lease"` // lease length for the lease-table lock backend
}

// SlackConfig holds Slack delivery credentials.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord delivery credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// StatusConfig controls the read-only status server.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides (POD_NAME, SSA_DATABASE_DSN, SSA_DATABASE_PASSWORD,
// SLACK_BOT_TOKEN, DISCORD_BOT_TOKEN) are applied before validation.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv, os.Hostname)
}

func parse(data []byte, getenv func(string) string, hostname func() (string, error)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults(hostname)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the deployment override secrets and replica identity.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("POD_NAME"); v != "" {
		c.PodName = v
	}
	if v := getenv("SSA_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("SSA_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Discord.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults(hostname func() (string, error)) {
	if c.PodName == "" {
		if h, err := hostname(); err == nil {
			c.PodName = h
		}
	}

	db := &c.Database
	if db.Driver == "" {
		db.Driver = DriverPostgres
	}
	db.Driver = strings.ToLower(db.Driver)
	if db.Host == "" {
		db.Host = "127.0.0.1"
	}
	if db.Port == 0 {
		switch db.Driver {
		case DriverMySQL:
			db.Port = 3306
		case DriverPostgres:
			db.Port = 5432
		}
	}
	if db.Name == "" {
		db.Name = "self_service_agent"
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = 10
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = 5
	}
	if db.ConnMaxLifetime == 0 {
		db.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.ExpireBatchSize == 0 {
		c.Session.ExpireBatchSize = 500
	}

	if c.Delivery.TTL == 0 {
		c.Delivery.TTL = time.Hour
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.Backoff.Strategy == "" {
		c.Delivery.Backoff.Strategy = BackoffExponential
	}
	if c.Delivery.Backoff.Base == 0 {
		c.Delivery.Backoff.Base = 2 * time.Second
	}
	if c.Delivery.Backoff.Max == 0 {
		c.Delivery.Backoff.Max = 2 * time.Minute
	}

	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "*/5 * * * *"
	}
	if c.Maintenance.LockLease == 0 {
		c.Maintenance.LockLease = 2 * time.Minute
	}

	if c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.PodName == "" {
		errs = append(errs, "pod_name is required (or set POD_NAME)")
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of postgres, mysql, sqlite", c.Database.Driver))
	}
	if c.Session.TTL < 0 {
		errs = append(errs, "session.ttl must be positive")
	}
	if c.Session.ExpireBatchSize < 0 {
		errs = append(errs, "session.expire_batch_size must be positive")
	}
	if c.Delivery.TTL < 0 {
		errs = append(errs, "delivery.ttl must be positive")
	}
	if c.Delivery.MaxAttempts < 0 {
		errs = append(errs, "delivery.max_attempts must be positive")
	}
	switch c.Delivery.Backoff.Strategy {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		errs = append(errs, fmt.Sprintf("delivery.backoff.strategy %q is not one of fixed, linear, exponential", c.Delivery.Backoff.Strategy))
	}
	if c.Delivery.Backoff.Max < c.Delivery.Backoff.Base {
		errs = append(errs, "delivery.backoff.max must be >= delivery.backoff.base")
	}
	if _, err := CronParser.Parse(c.Maintenance.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("maintenance.schedule %q: %v", c.Maintenance.Schedule, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
