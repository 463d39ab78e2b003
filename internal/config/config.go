// Package config provides configuration management for the todo API server.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultServerPort      = 8080
	DefaultProbePort       = 9090
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsEnabled  = true
	DefaultStoreDriver     = "memory"
	DefaultEventsEnabled   = true
	DefaultRedisChannel    = "todo-items"
)

// Environment variable names.
const (
	EnvConfigFile         = "APP_CONFIG_FILE"
	EnvServerPort         = "APP_SERVER_PORT"
	EnvProbePort          = "APP_PROBE_PORT"
	EnvLogLevel           = "APP_LOG_LEVEL"
	EnvShutdownTimeout    = "APP_SHUTDOWN_TIMEOUT"
	EnvMetricsEnabled     = "APP_METRICS_ENABLED"
	EnvStoreDriver        = "APP_STORE_DRIVER"
	EnvDatabaseDSN        = "APP_DATABASE_DSN"
	EnvEventsEnabled      = "APP_EVENTS_ENABLED"
	EnvRedisURL           = "APP_REDIS_URL"
	EnvRedisChannel       = "APP_REDIS_CHANNEL"
	EnvCORSAllowedOrigins = "APP_CORS_ALLOWED_ORIGINS"
)

// Config holds the application configuration.
type Config struct {
	// Server settings.
	ServerPort      int           `yaml:"server_port"`
	ProbePort       int           `yaml:"probe_port"` // 0 disables the probe server.
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// CORSAllowedOrigins lists allowed origins; "*" allows any.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Store settings. StoreDriver is one of memory, sqlite, postgres.
	StoreDriver string `yaml:"store_driver"`
	DatabaseDSN string `yaml:"database_dsn"`

	// Event feed settings. An empty RedisURL keeps events in-process.
	EventsEnabled bool   `yaml:"events_enabled"`
	RedisURL      string `yaml:"redis_url"`
	RedisChannel  string `yaml:"redis_channel"`
}

// Validation errors.
var (
	ErrInvalidServerPort      = errors.New("server port must be between 1 and 65535")
	ErrInvalidProbePort       = errors.New("probe port must be between 0 and 65535")
	ErrProbePortConflict      = errors.New("probe port must differ from server port when probe port is not 0")
	ErrInvalidLogLevel        = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrInvalidStoreDriver     = errors.New("store driver must be one of: memory, sqlite, postgres")
	ErrDatabaseDSNRequired    = errors.New("database DSN must be set for the sqlite and postgres drivers")
	ErrRedisChannelRequired   = errors.New("redis channel must be set when a redis URL is configured")
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ServerPort:         DefaultServerPort,
		ProbePort:          DefaultProbePort,
		LogLevel:           DefaultLogLevel,
		ShutdownTimeout:    DefaultShutdownTimeout,
		MetricsEnabled:     DefaultMetricsEnabled,
		CORSAllowedOrigins: []string{"*"},
		StoreDriver:        DefaultStoreDriver,
		EventsEnabled:      DefaultEventsEnabled,
		RedisChannel:       DefaultRedisChannel,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or APP_CONFIG_FILE when path is empty), then environment variables.
// Environment variables have the highest priority.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file on the current values. Unknown keys
// are rejected.
func (c *Config) loadFromFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding yaml: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration values from environment variables.
func (c *Config) loadFromEnv() error {
	if err := c.loadServerEnv(); err != nil {
		return err
	}

	c.loadStoreEnv()

	return c.loadEventsEnv()
}

// loadServerEnv loads server-related environment variables.
func (c *Config) loadServerEnv() error {
	if err := envInt(EnvServerPort, &c.ServerPort); err != nil {
		return err
	}

	if err := envInt(EnvProbePort, &c.ProbePort); err != nil {
		return err
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv(EnvShutdownTimeout); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvShutdownTimeout, err)
		}
		c.ShutdownTimeout = timeout
	}

	if err := envBool(EnvMetricsEnabled, &c.MetricsEnabled); err != nil {
		return err
	}

	if val := os.Getenv(EnvCORSAllowedOrigins); val != "" {
		c.CORSAllowedOrigins = splitList(val)
	}

	return nil
}

// loadStoreEnv loads item store environment variables.
func (c *Config) loadStoreEnv() {
	if val := os.Getenv(EnvStoreDriver); val != "" {
		c.StoreDriver = val
	}

	if val := os.Getenv(EnvDatabaseDSN); val != "" {
		c.DatabaseDSN = val
	}
}

// loadEventsEnv loads event feed environment variables.
func (c *Config) loadEventsEnv() error {
	if err := envBool(EnvEventsEnabled, &c.EventsEnabled); err != nil {
		return err
	}

	if val := os.Getenv(EnvRedisURL); val != "" {
		c.RedisURL = val
	}

	if val := os.Getenv(EnvRedisChannel); val != "" {
		c.RedisChannel = val
	}

	return nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = b
	return nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.EventsEnabled && c.RedisURL != "" && c.RedisChannel == "" {
		return ErrRedisChannelRequired
	}

	return nil
}

// validateServer validates server-related configuration.
func (c *Config) validateServer() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return ErrInvalidServerPort
	}

	if c.ProbePort < 0 || c.ProbePort > 65535 {
		return ErrInvalidProbePort
	}

	if c.ProbePort != 0 && c.ProbePort == c.ServerPort {
		return ErrProbePortConflict
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return ErrInvalidLogLevel
	}

	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// validateStore validates the store driver and its DSN.
func (c *Config) validateStore() error {
	switch c.StoreDriver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if c.DatabaseDSN == "" {
			return ErrDatabaseDSNRequired
		}
		return nil
	default:
		return ErrInvalidStoreDriver
	}
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.ServerPort)
}

// ProbeAddress returns the probe server address in host:port format.
func (c *Config) ProbeAddress() string {
	return fmt.Sprintf(":%d", c.ProbePort)
}
