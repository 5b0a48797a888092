// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Processing engine names.
const (
	EngineAtomic = "atomic"
	EngineLegacy = "legacy"
)

// Lease backend names.
const (
	LeaseBackendSQLite = "sqlite"
	LeaseBackendMemory = "memory"
)

// ProcessingConfig tunes the processing engines.
type ProcessingConfig struct {
	Engine              string        `yaml:"engine"`                // atomic or legacy (default atomic)
	BatchSize           int           `yaml:"batch_size"`            // jobs evaluated per batch (default 20)
	LeaseBackend        string        `yaml:"lease_backend"`         // sqlite or memory (default sqlite)
	LeaseTTL            time.Duration `yaml:"lease_ttl"`             // pipeline lease TTL (default 1m)
	LeaseAcquireTimeout time.Duration `yaml:"lease_acquire_timeout"` // default 2s
	JobUpdateRetries    int           `yaml:"job_update_retries"`    // optimistic-lock retry budget (default 5)
}

// QueueConfig sizes the in-process work queue.
type QueueConfig struct {
	Workers int     `yaml:"workers"` // concurrent passes (default 4)
	Rate    float64 `yaml:"rate"`    // passes started per second, 0 is unlimited (default 50)
	Burst   int     `yaml:"burst"`   // default 100
}

// Config holds the configuration of the pipeflow server and CLI.
type Config struct {
	DBPath         string `yaml:"db_path"`          // SQLite database file (default "pipeflow.sqlite")
	SQLiteReadPool int    `yaml:"sqlite_read_pool"` // read connections (default 4)
	ListenAddr     string `yaml:"listen_addr"`      // HTTP listen address (default ":8080")
	LogLevel       string `yaml:"log_level"`        // debug, info, warn, error (default "info")
	Env            string `yaml:"env"`              // "development" (default) or "production"

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`   // per-client API rate, 0 disables (default 100)
	RateLimitBurst int     `yaml:"rate_limit_burst"` // default 200

	Processing ProcessingConfig `yaml:"processing"`
	Queue      QueueConfig      `yaml:"queue"`

	// SweepSchedule is the cron schedule of the convergence sweep. Empty
	// disables it.
	SweepSchedule string `yaml:"sweep_schedule"`

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DBPath:         "pipeflow.sqlite",
		SQLiteReadPool: 4,
		ListenAddr:     ":8080",
		LogLevel:       "info",
		Env:            "development",
		RateLimitRPS:   100,
		RateLimitBurst: 200,
		Processing: ProcessingConfig{
			Engine:              EngineAtomic,
			BatchSize:           20,
			LeaseBackend:        LeaseBackendSQLite,
			LeaseTTL:            time.Minute,
			LeaseAcquireTimeout: 2 * time.Second,
			JobUpdateRetries:    5,
		},
		Queue: QueueConfig{
			Workers: 4,
			Rate:    50,
			Burst:   100,
		},
		SweepSchedule: "@every 1m",
	}
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.SQLiteReadPool <= 0 {
		errs = append(errs, fmt.Errorf("SQLITE_READ_POOL must be positive, got %d", c.SQLiteReadPool))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %g", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst))
	}
	switch c.Processing.Engine {
	case EngineAtomic, EngineLegacy:
	default:
		errs = append(errs, fmt.Errorf("PROCESSING_ENGINE must be %q or %q, got %q", EngineAtomic, EngineLegacy, c.Processing.Engine))
	}
	if c.Processing.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("PROCESSING_BATCH_SIZE must be positive, got %d", c.Processing.BatchSize))
	}
	switch c.Processing.LeaseBackend {
	case LeaseBackendSQLite, LeaseBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("LEASE_BACKEND must be %q or %q, got %q", LeaseBackendSQLite, LeaseBackendMemory, c.Processing.LeaseBackend))
	}
	if c.Processing.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_TTL must be positive, got %s", c.Processing.LeaseTTL))
	}
	if c.Processing.LeaseAcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_ACQUIRE_TIMEOUT must be positive, got %s", c.Processing.LeaseAcquireTimeout))
	}
	if c.Processing.JobUpdateRetries <= 0 {
		errs = append(errs, fmt.Errorf("JOB_UPDATE_RETRIES must be positive, got %d", c.Processing.JobUpdateRetries))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.Queue.Workers))
	}
	if c.Queue.Rate < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_RATE must not be negative, got %g", c.Queue.Rate))
	}
	if c.Queue.Burst <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_BURST must be positive, got %d", c.Queue.Burst))
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err))
		}
	}
	return errors.Join(errs...)
}

// LoadFromEnv builds the configuration from defaults, the optional YAML
// file named by PIPEFLOW_CONFIG, and environment variables, in that order
// of precedence from lowest to highest.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("PIPEFLOW_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.SweepSchedule == "" {
		cfg.Warnings = append(cfg.Warnings, "SWEEP_SCHEDULE is empty: pipelines with lost triggers are not picked up again")
	}
	if cfg.IsProduction() && cfg.Processing.Engine == EngineLegacy {
		cfg.Warnings = append(cfg.Warnings, "legacy processing engine in production: stage and pipeline statuses may lag under contention")
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values; unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	setString("DB_PATH", &c.DBPath)
	setInt("SQLITE_READ_POOL", &c.SQLiteReadPool)
	setString("LISTEN_ADDR", &c.ListenAddr)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("ENV", &c.Env)
	setFloat("RATE_LIMIT_RPS", &c.RateLimitRPS)
	setInt("RATE_LIMIT_BURST", &c.RateLimitBurst)

	setString("PROCESSING_ENGINE", &c.Processing.Engine)
	setInt("PROCESSING_BATCH_SIZE", &c.Processing.BatchSize)
	setString("LEASE_BACKEND", &c.Processing.LeaseBackend)
	setDuration("LEASE_TTL", &c.Processing.LeaseTTL)
	setDuration("LEASE_ACQUIRE_TIMEOUT", &c.Processing.LeaseAcquireTimeout)
	setInt("JOB_UPDATE_RETRIES", &c.Processing.JobUpdateRetries)

	setInt("QUEUE_WORKERS", &c.Queue.Workers)
	setFloat("QUEUE_RATE", &c.Queue.Rate)
	setInt("QUEUE_BURST", &c.Queue.Burst)

	// Set but empty disables the sweep.
	if v, ok := os.LookupEnv("SWEEP_SCHEDULE"); ok {
		c.SweepSchedule = strings.TrimSpace(v)
	}
	return errors.Join(errs...)
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
