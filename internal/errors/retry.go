package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for image acquisition
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
	Jitter          bool          `json:"jitter" yaml:"jitter"`
	RetryableKinds  []ErrorKind   `json:"retryable_kinds,omitempty" yaml:"retryable_kinds,omitempty"`
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableKinds: []ErrorKind{
			ErrorKindRegistry,
			ErrorKindDaemon,
		},
	}
}

// NoRetryConfig runs the operation exactly once
func NoRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 0, Multiplier: 1}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func() error

// RetryWithContext executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, exhausts its attempts, or ctx is done.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewCancelledError(operation, err)
		}

		if attempt > 0 {
			wait := ExponentialBackoff(attempt, config.InitialInterval, config.Multiplier, config.MaxInterval, config.Jitter)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NewCancelledError(operation, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err, config) {
			return err
		}
	}

	if config.MaxRetries == 0 {
		return lastErr
	}

	return NewErrorBuilder().
		Kind(KindOf(lastErr)).
		Severity(ErrorSeverityHigh).
		Operation(operation).
		Message(fmt.Sprintf("operation failed after %d retries", config.MaxRetries)).
		Cause(lastErr).
		Retryable(false).
		Metadata("max_retries", config.MaxRetries).
		Build()
}

func isRetryableError(err error, config *RetryConfig) bool {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		if !scanErr.Retryable {
			return false
		}
		for _, kind := range config.RetryableKinds {
			if scanErr.Kind == kind {
				return true
			}
		}
		return false
	}

	return isRetryableByMessage(err.Error())
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"temporary failure",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"too many requests",
	"rate limit",
	"i/o timeout",
	"no route to host",
	"unexpected eof",
}

func isRetryableByMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ExponentialBackoff calculates the wait before the given attempt
func ExponentialBackoff(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration, jitter bool) time.Duration {
	if attempt <= 0 {
		return 0
	}

	interval := time.Duration(float64(initialInterval) * math.Pow(multiplier, float64(attempt-1)))
	if maxInterval > 0 && interval > maxInterval {
		interval = maxInterval
	}
	if jitter {
		interval = addJitter(interval)
	}
	return interval
}

// addJitter adds up to 25% to the interval
func addJitter(interval time.Duration) time.Duration {
	return interval + time.Duration(rand.Float64()*0.25*float64(interval))
}
