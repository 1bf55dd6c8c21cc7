// ABOUTME: Configuration loading and parsing for dex-server.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete dex-server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds liveness timing configuration.
type AgentsConfig struct {
	LivenessWindow time.Duration `yaml:"-"`
	SweepInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LivenessWindowRaw string `yaml:"liveness_window"`
	SweepIntervalRaw  string `yaml:"sweep_interval"`
}

// JobsConfig holds installation job orchestration configuration.
type JobsConfig struct {
	MaxRetries int `yaml:"max_retries"`

	DownloadTimeout  time.Duration `yaml:"-"`
	InstallTimeout   time.Duration `yaml:"-"`
	VerifyTimeout    time.Duration `yaml:"-"`
	HoldPollInterval time.Duration `yaml:"-"`

	DownloadTimeoutRaw  string `yaml:"download_timeout"`
	InstallTimeoutRaw   string `yaml:"install_timeout"`
	VerifyTimeoutRaw    string `yaml:"verify_timeout"`
	HoldPollIntervalRaw string `yaml:"hold_poll_interval"`
}

// SchedulerConfig holds schedule engine configuration.
type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`

	SweepIntervalRaw   string `yaml:"sweep_interval"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent from the config file.
const (
	DefaultLivenessWindow       = 15 * time.Second
	DefaultSweepInterval        = 5 * time.Second
	DefaultMaxRetries           = 3
	DefaultDownloadTimeout      = 2 * time.Minute
	DefaultInstallTimeout       = 5 * time.Minute
	DefaultVerifyTimeout        = 30 * time.Second
	DefaultHoldPollInterval     = 10 * time.Second
	DefaultScheduleSweep        = 15 * time.Second
	DefaultScheduleDispatchWait = 30 * time.Second
)

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, expanding ${VAR} references from the
// environment, parsing durations, applying defaults, and validating.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Agents.LivenessWindow <= c.Agents.SweepInterval {
		return fmt.Errorf("agents.liveness_window must be longer than agents.sweep_interval")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs.max_retries must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Agents.LivenessWindow == 0 {
		c.Agents.LivenessWindow = DefaultLivenessWindow
	}
	if c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = DefaultMaxRetries
	}
	if c.Jobs.DownloadTimeout == 0 {
		c.Jobs.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.Jobs.InstallTimeout == 0 {
		c.Jobs.InstallTimeout = DefaultInstallTimeout
	}
	if c.Jobs.VerifyTimeout == 0 {
		c.Jobs.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.Jobs.HoldPollInterval == 0 {
		c.Jobs.HoldPollInterval = DefaultHoldPollInterval
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = DefaultScheduleSweep
	}
	if c.Scheduler.DispatchTimeout == 0 {
		c.Scheduler.DispatchTimeout = DefaultScheduleDispatchWait
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Agents.LivenessWindowRaw, "liveness_window", &cfg.Agents.LivenessWindow},
		{cfg.Agents.SweepIntervalRaw, "sweep_interval", &cfg.Agents.SweepInterval},
		{cfg.Jobs.DownloadTimeoutRaw, "download_timeout", &cfg.Jobs.DownloadTimeout},
		{cfg.Jobs.InstallTimeoutRaw, "install_timeout", &cfg.Jobs.InstallTimeout},
		{cfg.Jobs.VerifyTimeoutRaw, "verify_timeout", &cfg.Jobs.VerifyTimeout},
		{cfg.Jobs.HoldPollIntervalRaw, "hold_poll_interval", &cfg.Jobs.HoldPollInterval},
		{cfg.Scheduler.SweepIntervalRaw, "scheduler.sweep_interval", &cfg.Scheduler.SweepInterval},
		{cfg.Scheduler.DispatchTimeoutRaw, "scheduler.dispatch_timeout", &cfg.Scheduler.DispatchTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
