package governance

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig defines exponential backoff for retried operations such as
// upstream dials.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// Jitter adds up to 25% of the backoff at random.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if c.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must not be negative")
	}
	return nil
}

// RetryPolicy retries an operation while its error is retryable.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
}

// NewRetryPolicy creates a retry policy. A nil retryable retries every error.
func NewRetryPolicy(config RetryConfig, retryable func(error) bool) *RetryPolicy {
	d := DefaultRetryConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = d.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = d.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = d.BackoffMultiplier
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &RetryPolicy{config: config, retryable: retryable}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Backoff returns the delay before retry number attempt (zero-based).
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := rp.config.MaxBackoff
	if raw := float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)); raw < float64(backoff) {
		backoff = time.Duration(raw)
	}
	if rp.config.Jitter && backoff >= 4 {
		backoff += time.Duration(rand.Int64N(int64(backoff / 4))) // #nosec G404 -- jitter only
	}
	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable error, retries are
// exhausted or ctx is done. The returned error wraps both
// ErrMaxRetriesExceeded and the last error when retries run out.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !rp.retryable(lastErr) {
			return lastErr
		}
		if attempt == rp.config.MaxRetries {
			break
		}

		timer := time.NewTimer(rp.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if rp.config.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}
