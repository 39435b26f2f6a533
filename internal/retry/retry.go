// Package retry provides a retry executor with exponential backoff and
// permanent-error classification.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/parley-ai/parley/internal/backoff"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter adds up to half the base value of random spread to each delay.
	Jitter bool
	// Retryable, when set, classifies errors: only errors for which it
	// returns true are retried. Permanent-wrapped errors are never retried
	// regardless.
	Retryable func(error) bool
	// Sleep overrides the delay function. Tests inject a no-op sleeper.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns a default retry configuration: 3 attempts, 100ms
// initial delay, 10s cap, doubling, with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Transient returns the retry schedule used for transient external failures:
// 3 attempts with exponential backoff from 1s capped at 10s.
func Transient() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent.
	Duration time.Duration
}

// Do executes op with retries according to config.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}
	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	policy := backoff.Policy{
		Initial: config.InitialDelay,
		Max:     config.MaxDelay,
		Factor:  config.Factor,
	}
	if config.Jitter {
		policy.Jitter = 0.5
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) || (config.Retryable != nil && !config.Retryable(err)) {
			result.Duration = time.Since(start)
			return result
		}
		if attempt >= config.MaxAttempts {
			break
		}

		if err := sleep(ctx, backoff.Compute(policy, attempt)); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError is an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is wrapped as permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
