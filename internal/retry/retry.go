package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff is an exponential schedule with symmetric jitter.
// Delay(n) lies in [min(Base*Multiplier^n, Max)*(1-Jitter), min(Base*Multiplier^n, Max)*(1+Jitter)].
type Backoff struct {
	Base       time.Duration `yaml:"base" validate:"gt=0"`         // Delay before the first retry (default: 500ms)
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`  // Growth factor per attempt (default: 2.0)
	Max        time.Duration `yaml:"max" validate:"gtefield=Base"` // Cap before jitter (default: 30s)
	Jitter     float64       `yaml:"jitter" validate:"gte=0,lt=1"` // Fraction in [0, 1) (default: 0.2)
}

// DefaultBackoff returns the default reconnect schedule
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		Jitter:     0.2,
	}
}

// Capped returns the un-jittered delay for attempt n (0-based)
func (b Backoff) Capped(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(n))
	if math.IsInf(d, 0) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt n (0-based)
func (b Backoff) Delay(n int) time.Duration {
	return b.delay(n, rand.Float64())
}

// delay applies jitter with u drawn from [0, 1)
func (b Backoff) delay(n int, u float64) time.Duration {
	capped := float64(b.Capped(n))
	if b.Jitter <= 0 {
		return time.Duration(capped)
	}
	return time.Duration(capped * (1 + b.Jitter*(2*u-1)))
}

// Config holds retry configuration for bounded operations
type Config struct {
	MaxAttempts     int      // Maximum number of attempts (default: 3)
	Backoff         Backoff  // Delay schedule between attempts
	RetryableErrors []string // Error substrings that are retryable
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:       100 * time.Millisecond,
			Multiplier: 2.0,
			Max:        5 * time.Second,
			Jitter:     0.1,
		},
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"connection lost",
			"timeout",
			"network is unreachable",
			"no such host",
			"temporary failure",
			"broken pipe",
			"no responders",
			"code: 999", // ClickHouse: Connection lost
			"code: 241", // ClickHouse: Memory limit exceeded (can be temporary)
			"code: 159", // ClickHouse: Timeout exceeded
			"code: 160", // ClickHouse: Unknown packet from server
			"code: 210", // ClickHouse: Connection pool timeout
		},
	}
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error, cfg Config) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Don't retry on syntax errors (code: 62), validation errors, etc.
	if strings.Contains(errStr, "code: 62") || strings.Contains(errStr, "syntax error") {
		return false
	}

	for _, pattern := range cfg.RetryableErrors {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// DoWithResult executes a function that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		}

		result, err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		lastErr = err

		if !IsRetryableError(err, cfg) {
			log.Debug().
				Err(err).
				Int("attempt", attempt).
				Msg("Error is not retryable, aborting")
			return zero, err
		}

		if attempt >= cfg.MaxAttempts {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", cfg.MaxAttempts).
				Msg("Max retry attempts reached")
			return zero, fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, err)
		}

		delay := cfg.Backoff.Delay(attempt - 1)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("retry_delay", delay).
			Msg("Operation failed, retrying")

		if err := Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
