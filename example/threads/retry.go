package threads

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultJitterFactor = 0.3

	// MetricCommandRetries counts retried commands by command and attempt.
	MetricCommandRetries = "threads_command_retries_total"

	// MetricCommandRetryDelay records the backoff before each retry.
	MetricCommandRetryDelay = "threads_command_retry_delay_seconds"
)

var (
	ErrInvalidMaxAttempts  = errors.New("max attempts must be positive")
	ErrNegativeBaseDelay   = errors.New("base delay must not be negative")
	ErrInvalidMaxDelay     = errors.New("max delay must be positive")
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

type retryConfig struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	metrics      eventstore.MetricsCollector
}

// RetryOption configures how a command retries lost optimistic concurrency races.
type RetryOption func(*retryConfig) error

func WithMaxAttempts(attempts int) RetryOption {
	return func(config *retryConfig) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		config.maxAttempts = attempts

		return nil
	}
}

// WithBaseDelay sets the first backoff. Each further retry doubles it, up to the max delay.
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(config *retryConfig) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}

		config.baseDelay = delay

		return nil
	}
}

// WithMaxDelay caps the backoff before jitter is added.
func WithMaxDelay(delay time.Duration) RetryOption {
	return func(config *retryConfig) error {
		if delay <= 0 {
			return ErrInvalidMaxDelay
		}

		config.maxDelay = delay

		return nil
	}
}

// WithJitterFactor adds up to factor times the backoff as random jitter.
func WithJitterFactor(factor float64) RetryOption {
	return func(config *retryConfig) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		config.jitterFactor = factor

		return nil
	}
}

func WithRetryMetrics(collector eventstore.MetricsCollector) RetryOption {
	return func(config *retryConfig) error {
		config.metrics = collector

		return nil
	}
}

// retryOnConflict runs attempt until it succeeds, fails with anything but a lost race,
// runs out of attempts or ctx ends. Each attempt must use a fresh session.
func retryOnConflict(ctx context.Context, command string, attempt func(ctx context.Context) error, options []RetryOption) error {
	config := &retryConfig{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		jitterFactor: defaultJitterFactor,
	}

	for _, option := range options {
		if err := option(config); err != nil {
			return eventstore.ConfigurationError(err, "retry option")
		}
	}

	var err error

	for i := 0; i < config.maxAttempts; i++ {
		if i > 0 {
			delay := config.backoff(i)
			delay += time.Duration(rand.Float64() * float64(delay) * config.jitterFactor) //nolint:gosec // jitter only

			config.record(command, i, delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}

		if err = attempt(ctx); err == nil || !eventstore.IsConflict(err) {
			return err
		}
	}

	return err
}

// backoff doubles the base delay per retry and stops at the max delay, so it never overflows.
func (c *retryConfig) backoff(retry int) time.Duration {
	delay := c.baseDelay
	for n := 1; n < retry && delay > 0 && delay < c.maxDelay; n++ {
		delay *= 2
	}

	return min(delay, c.maxDelay)
}

func (c *retryConfig) record(command string, attempt int, delay time.Duration) {
	if c.metrics == nil {
		return
	}

	labels := map[string]string{"command": command, "attempt": strconv.Itoa(attempt)}
	c.metrics.IncrementCounter(MetricCommandRetries, labels)
	c.metrics.RecordDuration(MetricCommandRetryDelay, delay, labels)
}
