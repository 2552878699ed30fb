// Package retry provides common retry logic with exponential backoff for scansync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for PostgreSQL operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for etcd operations
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// TransportDefaults returns the terminal reconnection schedule.
// After MaxAttempts reconnects the session waits for a manual trigger.
func TransportDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 20,
	}
}

// QueryDefaults keeps request-path retries well inside an HTTP deadline
func QueryDefaults() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		JitterPercent: 10,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	return WithOperationIf(ctx, config, operation, operationName, nil)
}

// WithOperationIf retries operation only while retryable accepts its error.
// A nil retryable retries every error.
func WithOperationIf(ctx context.Context, config *Config, operation func() error, operationName string, retryable func(error) bool) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config.
// Next() reports stop once MaxAttempts delays were handed out.
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}
