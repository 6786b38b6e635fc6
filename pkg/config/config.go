// Package config provides configuration structures and loading logic for the monitor.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/events"
	"github.com/polisai/polis-monitor/pkg/logrotate"
	"github.com/polisai/polis-monitor/pkg/memory"
	"github.com/polisai/polis-monitor/pkg/monitor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_MONITOR_"

// Config holds the global configuration for the monitor.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Queue     QueueConfig               `yaml:"queue"`
	Memory    memory.Config             `yaml:"memory"`
	Rotation  logrotate.Config          `yaml:"rotation"`
	Throttle  governance.ThrottleConfig `yaml:"throttle"`
	Cleanup   cleaner.Config            `yaml:"cleanup"`
	Alerts    monitor.Thresholds        `yaml:"alerts"`
	Filter    events.Filter             `yaml:"filter"`
}

// ServerConfig holds configuration for the proxy and admin servers.
type ServerConfig struct {
	ProxyAddress    string                 `yaml:"proxy_address"`
	AdminAddress    string                 `yaml:"admin_address"`
	UpstreamProxy   string                 `yaml:"upstream_proxy"`
	ShutdownTimeout time.Duration          `yaml:"shutdown_timeout"`
	DialRetry       governance.RetryConfig `yaml:"dial_retry"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// QueueConfig holds configuration for the event queue and its drain loop.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	DrainBatch  int           `yaml:"drain_batch"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ProxyAddress:    ":3128",
			AdminAddress:    ":9464",
			ShutdownTimeout: 10 * time.Second,
			DialRetry:       governance.DefaultRetryConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			ServiceName:  "polis-monitor",
		},
		Queue: QueueConfig{
			Capacity:    events.DefaultQueueCapacity,
			DrainBatch:  events.DefaultDrainBatch,
			PollTimeout: events.DefaultPollTimeout,
		},
		Memory:   memory.DefaultConfig(),
		Rotation: logrotate.DefaultConfig(),
		Throttle: governance.DefaultThrottleConfig(),
		Cleanup:  cleaner.DefaultConfig(),
		Alerts:   monitor.DefaultThresholds(),
	}
}

// Load reads configuration from a file over the defaults and applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	str("PROXY_ADDR", &cfg.Server.ProxyAddress)
	str("ADMIN_ADDR", &cfg.Server.AdminAddress)
	str("UPSTREAM_PROXY", &cfg.Server.UpstreamProxy)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)
	str("LOG_DIR", &cfg.Rotation.Directory)

	if val := os.Getenv(EnvPrefix + "TELEMETRY_ENABLED"); val != "" {
		cfg.Telemetry.Enabled = val == "true"
	}
	if val := os.Getenv(EnvPrefix + "OTLP_INSECURE"); val != "" {
		cfg.Telemetry.Insecure = val == "true"
	}
	if val := os.Getenv(EnvPrefix + "THROTTLE_MODE"); val != "" {
		cfg.Throttle.Mode = governance.Mode(strings.ToLower(val))
	}
	if val := os.Getenv(EnvPrefix + "MAX_ENTRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_ENTRIES %q: %w", EnvPrefix, val, err)
		}
		cfg.Memory.MaxEntries = n
	}
	if val := os.Getenv(EnvPrefix + "MAX_MEMORY_MB"); val != "" {
		mb, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_MEMORY_MB %q: %w", EnvPrefix, val, err)
		}
		cfg.Memory.MaxMemoryMB = mb
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue configuration: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory configuration: %w", err)
	}
	if err := c.Rotation.Validate(); err != nil {
		return fmt.Errorf("rotation configuration: %w", err)
	}
	if err := c.Throttle.Validate(); err != nil {
		return fmt.Errorf("throttle configuration: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup configuration: %w", err)
	}
	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts configuration: %w", err)
	}
	for _, code := range c.Filter.StatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("filter configuration: invalid status code %d", code)
		}
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ProxyAddress) == "" {
		c.ProxyAddress = ":3128"
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":9464"
	}
	if c.ProxyAddress == c.AdminAddress {
		return fmt.Errorf("proxy_address and admin_address must differ, both are %q", c.ProxyAddress)
	}
	if c.UpstreamProxy != "" {
		if _, _, err := net.SplitHostPort(c.UpstreamProxy); err != nil {
			return fmt.Errorf("upstream_proxy must be host:port: %w", err)
		}
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if err := c.DialRetry.Validate(); err != nil {
		return fmt.Errorf("dial_retry: %w", err)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "text"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "text", "json", "console":
		c.Format = format
		return nil
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json, console", c.Format)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.Enabled && strings.TrimSpace(c.OTLPEndpoint) == "" {
		return fmt.Errorf("otlp_endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		c.ServiceName = "polis-monitor"
	}
	return nil
}

// Validate performs validation of queue configuration
func (c *QueueConfig) Validate() error {
	if c.Capacity < 0 || c.DrainBatch < 0 || c.PollTimeout < 0 {
		return fmt.Errorf("queue sizes and poll_timeout must not be negative")
	}
	if c.Capacity == 0 {
		c.Capacity = events.DefaultQueueCapacity
	}
	if c.DrainBatch == 0 {
		c.DrainBatch = events.DefaultDrainBatch
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = events.DefaultPollTimeout
	}
	return nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
