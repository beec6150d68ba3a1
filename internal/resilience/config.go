package resilience

import (
	"time"

	"github.com/sells-group/ip-patrol/internal/config"
)

// FromClassifierConfig converts classifier settings to a RetryConfig.
// Unset values keep the defaults.
func FromClassifierConfig(c config.ClassifierConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.BackoffUnitMs > 0 {
		cfg.Unit = time.Duration(c.BackoffUnitMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.BackoffBase > 1 {
		cfg.Base = c.BackoffBase
	}
	if c.JitterMs >= 0 {
		cfg.Jitter = time.Duration(c.JitterMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts classifier settings to a CircuitBreakerConfig.
// It reports false when the breaker is disabled (threshold 0).
func FromCircuitConfig(c config.ClassifierConfig) (CircuitBreakerConfig, bool) {
	if c.CircuitFailureThreshold <= 0 {
		return CircuitBreakerConfig{}, false
	}
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = c.CircuitFailureThreshold
	if c.CircuitResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.CircuitResetSecs) * time.Second
	}
	return cfg, true
}
