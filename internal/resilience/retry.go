package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
// The delay before retry n (n = attempts made so far) is
// Unit * Base^n, capped at MaxBackoff, plus a uniform random jitter in
// [0, Jitter).
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 6.
	MaxAttempts int

	// Unit scales the exponential term. Default: 1s.
	Unit time.Duration

	// Base is the exponent base. Default: 2.0.
	Base float64

	// MaxBackoff caps the exponential term. Default: 60s.
	MaxBackoff time.Duration

	// Jitter is the upper bound of the random delay added to every backoff.
	// Zero disables jitter.
	Jitter time.Duration

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(state RetryState, err error)
}

// RetryState is the per-call retry bookkeeping. It lives only for the
// duration of one Do call.
type RetryState struct {
	Attempt   int           // attempts made so far
	NextDelay time.Duration // delay before the next attempt, zero when none follows
}

// DefaultRetryConfig returns the retry configuration used for classifier
// calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 6,
		Unit:        time.Second,
		Base:        2.0,
		MaxBackoff:  60 * time.Second,
		Jitter:      time.Second,
	}
}

// Do executes fn with retry logic according to cfg. It retries only on
// errors deemed transient (via ShouldRetry or the default IsTransient check).
// When the attempt ceiling is reached on a retryable error the returned error
// is an *ExhaustedError wrapping the last failure. Context cancellation stops
// retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, state RetryState) error) (RetryState, error) {
	_, state, err := DoVal(ctx, cfg, func(ctx context.Context, state RetryState) (struct{}, error) {
		return struct{}{}, fn(ctx, state)
	})
	return state, err
}

// DoVal executes fn returning a value with retry logic. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, state RetryState) (T, error)) (T, RetryState, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var state RetryState
	for {
		val, err := fn(ctx, state)
		state.Attempt++
		state.NextDelay = 0
		if err == nil {
			return val, state, nil
		}

		// Don't retry on context cancellation.
		if ctx.Err() != nil {
			return zero, state, err
		}

		// Don't retry non-transient errors.
		if !shouldRetry(err) {
			return zero, state, err
		}

		if state.Attempt >= cfg.MaxAttempts {
			return zero, state, &ExhaustedError{Attempts: state.Attempt, Err: err}
		}

		state.NextDelay = computeBackoff(state.Attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(state, err)
		}

		timer := time.NewTimer(state.NextDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, state, err
		case <-timer.C:
		}
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Base <= 1 {
		cfg.Base = 2.0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.Unit) * math.Pow(cfg.Base, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	d := time.Duration(delay)
	if cfg.Jitter > 0 {
		d += rand.N(cfg.Jitter)
	}
	return d
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(RetryState, error) {
	return func(state RetryState, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", state.Attempt),
			zap.Duration("next_delay", state.NextDelay),
			zap.Error(err),
		)
	}
}
