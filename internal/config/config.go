package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

type LogConfig struct {
	// Level is one of debug, info, error.
	Level string `yaml:"level" json:"level" validate:"oneof=debug info error"`
	// Format is text or json.
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
	// SentryDSN enables error capture when non-empty.
	SentryDSN   string `yaml:"sentry_dsn,omitempty" json:"sentry_dsn,omitempty"`
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

type DatabaseConfig struct {
	// Driver selects the gorm dialector: sqlite or postgres.
	Driver       string `yaml:"driver" json:"driver" validate:"oneof=sqlite postgres"`
	DSN          string `yaml:"dsn" json:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
}

// RedisConfig backs the cross-process fan-out claim guard. When disabled an
// in-memory guard is used.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int           `yaml:"db" json:"db" validate:"gte=0"`
	ClaimTTL time.Duration `yaml:"claim_ttl" json:"claim_ttl" validate:"gt=0"`
}

type DispatcherConfig struct {
	// Workers is the size of the derived-work pool.
	Workers   int `yaml:"workers" json:"workers" validate:"gte=1"`
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=1"`
	// MaxRetries bounds both storage apply retries and derived job retries.
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" validate:"gte=0"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" json:"retry_backoff" validate:"gt=0"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout" json:"resolve_timeout" validate:"gt=0"`
}

type ExpansionConfig struct {
	// MaxOccurrences caps one event's expansion per request.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" validate:"gte=1"`
	CacheSize      int `yaml:"cache_size" json:"cache_size" validate:"gte=1"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ScanCron is a cron-style schedule string (e.g. "@every 1m").
	ScanCron       string        `yaml:"scan_cron" json:"scan_cron" validate:"required"`
	DueSoonWindow  time.Duration `yaml:"due_soon_window" json:"due_soon_window" validate:"gt=0"`
	DeadlineWindow time.Duration `yaml:"deadline_window" json:"deadline_window" validate:"gt=0"`
}

// SMTPConfig enables the email notification channel.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host" validate:"required_if=Enabled true"`
	Port     int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	From     string `yaml:"from" json:"from" validate:"required_if=Enabled true"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA zone used when an event or request carries none.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Log        LogConfig        `yaml:"log" json:"log"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Expansion  ExpansionConfig  `yaml:"expansion" json:"expansion"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	SMTP       SMTPConfig       `yaml:"smtp" json:"smtp"`

	// SeedFile optionally points at a YAML file of users, teams, calendars
	// and grants loaded into storage at startup.
	SeedFile string `yaml:"seed_file,omitempty" json:"seed_file,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "UTC",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "teamcal.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			ClaimTTL: 5 * time.Minute,
		},
		Dispatcher: DispatcherConfig{
			Workers:        4,
			QueueSize:      256,
			MaxRetries:     5,
			RetryBackoff:   200 * time.Millisecond,
			ResolveTimeout: 5 * time.Second,
		},
		Expansion: ExpansionConfig{
			MaxOccurrences: 5000,
			CacheSize:      1024,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			ScanCron:       "@every 1m",
			DueSoonWindow:  24 * time.Hour,
			DeadlineWindow: 24 * time.Hour,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Database.Driver == "" {
		c.Database.Driver = d.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = d.Database.DSN
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
		if c.Database.Driver == "postgres" {
			c.Database.MaxOpenConns = 10
		}
	}
	if c.Redis.ClaimTTL <= 0 {
		c.Redis.ClaimTTL = d.Redis.ClaimTTL
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = d.Dispatcher.Workers
	}
	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = d.Dispatcher.QueueSize
	}
	if c.Dispatcher.RetryBackoff <= 0 {
		c.Dispatcher.RetryBackoff = d.Dispatcher.RetryBackoff
	}
	if c.Dispatcher.ResolveTimeout <= 0 {
		c.Dispatcher.ResolveTimeout = d.Dispatcher.ResolveTimeout
	}
	if c.Expansion.MaxOccurrences <= 0 {
		c.Expansion.MaxOccurrences = d.Expansion.MaxOccurrences
	}
	if c.Expansion.CacheSize <= 0 {
		c.Expansion.CacheSize = d.Expansion.CacheSize
	}
	if c.Scheduler.ScanCron == "" {
		c.Scheduler.ScanCron = d.Scheduler.ScanCron
	}
	if c.Scheduler.DueSoonWindow <= 0 {
		c.Scheduler.DueSoonWindow = d.Scheduler.DueSoonWindow
	}
	if c.Scheduler.DeadlineWindow <= 0 {
		c.Scheduler.DeadlineWindow = d.Scheduler.DeadlineWindow
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = d.SMTP.Port
	}
}

var validate = validator.New()

// Validate checks field constraints plus values that need parsing: the time
// zone and the scan schedule.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Scheduler.ScanCron); err != nil {
		return fmt.Errorf("config: scheduler.scan_cron %q: %w", c.Scheduler.ScanCron, err)
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - In both cases TEAMCAL_* environment variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			ApplyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	ApplyEnv(&cfg)

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with TEAMCAL_* environment variables. Secrets are
// expected to come from here rather than from the YAML file.
func ApplyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("TEAMCAL_LISTEN", &cfg.Listen)
	setString("TEAMCAL_TIMEZONE", &cfg.Timezone)
	setString("TEAMCAL_LOG_LEVEL", &cfg.Log.Level)
	setString("TEAMCAL_LOG_FORMAT", &cfg.Log.Format)
	setString("TEAMCAL_SENTRY_DSN", &cfg.Log.SentryDSN)
	setString("TEAMCAL_ENVIRONMENT", &cfg.Log.Environment)
	setString("TEAMCAL_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("TEAMCAL_DATABASE_DSN", &cfg.Database.DSN)
	setString("TEAMCAL_REDIS_ADDR", &cfg.Redis.Addr)
	setString("TEAMCAL_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("TEAMCAL_SEED_FILE", &cfg.SeedFile)
	setString("TEAMCAL_SMTP_HOST", &cfg.SMTP.Host)
	setString("TEAMCAL_SMTP_USERNAME", &cfg.SMTP.Username)
	setString("TEAMCAL_SMTP_PASSWORD", &cfg.SMTP.Password)
	setString("TEAMCAL_SMTP_FROM", &cfg.SMTP.From)

	if v, ok := os.LookupEnv("TEAMCAL_REDIS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("TEAMCAL_SMTP_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SMTP.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("TEAMCAL_SMTP_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SMTP.Port = n
		}
	}
	if v, ok := os.LookupEnv("TEAMCAL_DISPATCHER_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.Workers = n
		}
	}

	user, hasUser := os.LookupEnv("TEAMCAL_BASIC_AUTH_USERNAME")
	pass, hasPass := os.LookupEnv("TEAMCAL_BASIC_AUTH_PASSWORD")
	if hasUser && hasPass && user != "" && pass != "" {
		cfg.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".teamcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
