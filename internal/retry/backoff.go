package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential backoff
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"` // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration `koanf:"base_delay"`  // Base delay between retries (default: 1s)
	MaxDelay   time.Duration `koanf:"max_delay"`   // Maximum delay between retries (default: 30s)
	Multiplier float64       `koanf:"multiplier"`  // Exponential backoff multiplier (default: 2.0)
	Jitter     bool          `koanf:"jitter"`      // Spread retries of concurrent callers (default: true)
	LogRetries bool          `koanf:"log_retries"` // Whether to log retry attempts (default: true)

	// Retryable, when set, stops the loop on the first error it rejects.
	Retryable func(error) bool `koanf:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           // Total number of attempts made
	TotalDuration time.Duration // Total time spent on all attempts
	LastError     error         // Last error encountered
	Success       bool          // Whether the operation eventually succeeded
	RetryReasons  []string      // Reasons for each failed attempt
}

// DatabaseRetryConfig waits for a database that may still be starting next
// to the service (compose, k8s init). Errors that cannot clear up on their
// own, like a bad password, fail on the first attempt.
func DatabaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
		Retryable:  IsRetryableError,
	}
}

// RetryWithBackoff executes an operation with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func() error, logger *zerolog.Logger) RetryResult {
	return RetryWithBackoffAndReason(ctx, config, func() (error, string) {
		err := operation()
		reason := "unknown_error"
		if err != nil {
			reason = err.Error()
		}
		return err, reason
	}, logger)
}

// RetryWithBackoffAndReason executes an operation with exponential backoff retry logic and custom reason tracking
func RetryWithBackoffAndReason(ctx context.Context, config RetryConfig, operation func() (error, string), logger *zerolog.Logger) RetryResult {
	startTime := time.Now()
	if logger == nil || !config.LogRetries {
		nop := zerolog.Nop()
		logger = &nop
	}

	result := RetryResult{
		RetryReasons: make([]string, 0),
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err, reason := operation()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if attempt > 0 {
				logger.Info().
					Int("retries", attempt).
					Dur("total_duration", result.TotalDuration).
					Msg("Operation succeeded after retrying")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, reason)

		if config.Retryable != nil && !config.Retryable(err) {
			result.TotalDuration = time.Since(startTime)
			logger.Error().Err(err).
				Int("attempts", result.Attempts).
				Msg("Operation failed with non-retryable error")
			return result
		}

		if attempt >= config.MaxRetries {
			result.TotalDuration = time.Since(startTime)
			logger.Error().Err(err).
				Int("attempts", result.Attempts).
				Dur("total_duration", result.TotalDuration).
				Msg("Operation failed, giving up")
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			logger.Warn().Err(ctx.Err()).Int("attempt", attempt+1).Msg("Operation cancelled during retry")
			return result
		}

		delay := calculateDelay(config, attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("delay", delay).
			Msg("Operation failed, retrying")

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			logger.Warn().Err(ctx.Err()).Msg("Operation cancelled during backoff delay")
			return result
		case <-time.After(delay):
		}
	}

	// unreachable
	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// +/- 10%
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether err looks like a transient network or
// database condition.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"too many clients",
		"the database system is starting up",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
