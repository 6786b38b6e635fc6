package logrotate

import (
	"fmt"
	"time"
)

// Policy selects what triggers a rotation.
type Policy string

const (
	PolicyCount Policy = "count"
	PolicySize  Policy = "size"
	PolicyTime  Policy = "time"
)

// Compression selects the format of sealed segments.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Rotation defaults.
const (
	DefaultDirectory        = "logs"
	DefaultPrefix           = "monitoring"
	DefaultMaxCount         = 1000
	DefaultMaxSizeMB        = 10
	DefaultMaxAge           = 24 * time.Hour
	DefaultMaxFiles         = 5
	DefaultCheckInterval    = 5 * time.Second
	DefaultMaxBuffered      = 10000
	DefaultFailureThreshold = 3
	DefaultRetryAfter       = time.Minute
)

// Config configures the Rotator.
type Config struct {
	Directory        string        `yaml:"directory" json:"directory"`
	Prefix           string        `yaml:"prefix" json:"prefix"`
	Policy           Policy        `yaml:"policy" json:"policy"`
	MaxCount         int           `yaml:"max_count" json:"max_count"`
	MaxSizeMB        float64       `yaml:"max_size_mb" json:"max_size_mb"`
	MaxAge           time.Duration `yaml:"max_age" json:"max_age"`
	MaxFiles         int           `yaml:"max_files" json:"max_files"`
	CompressOld      bool          `yaml:"compress_old" json:"compress_old"`
	Compression      Compression   `yaml:"compression" json:"compression"`
	CheckInterval    time.Duration `yaml:"check_interval" json:"check_interval"`
	MaxBuffered      int           `yaml:"max_buffered" json:"max_buffered"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RetryAfter       time.Duration `yaml:"retry_after" json:"retry_after"`
}

// DefaultConfig returns the default rotation configuration.
func DefaultConfig() Config {
	return Config{
		Directory:        DefaultDirectory,
		Prefix:           DefaultPrefix,
		Policy:           PolicyCount,
		MaxCount:         DefaultMaxCount,
		MaxSizeMB:        DefaultMaxSizeMB,
		MaxAge:           DefaultMaxAge,
		MaxFiles:         DefaultMaxFiles,
		CompressOld:      true,
		Compression:      CompressionGzip,
		CheckInterval:    DefaultCheckInterval,
		MaxBuffered:      DefaultMaxBuffered,
		FailureThreshold: DefaultFailureThreshold,
		RetryAfter:       DefaultRetryAfter,
	}
}

// Validate checks the rotation configuration.
func (c Config) Validate() error {
	switch c.Policy {
	case "", PolicyCount, PolicySize, PolicyTime:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Policy)
	}
	switch c.Compression {
	case "", CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCompression, c.Compression)
	}
	if c.MaxCount < 0 || c.MaxFiles < 0 || c.MaxBuffered < 0 {
		return fmt.Errorf("max_count, max_files and max_buffered must not be negative")
	}
	if c.MaxSizeMB < 0 || c.MaxAge < 0 {
		return fmt.Errorf("max_size_mb and max_age must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Directory == "" {
		c.Directory = d.Directory
	}
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.MaxCount <= 0 {
		c.MaxCount = d.MaxCount
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = d.MaxSizeMB
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = d.MaxFiles
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = d.RetryAfter
	}
	return c
}

func (c Config) maxBytes() int64 {
	return int64(c.MaxSizeMB * 1024 * 1024)
}
