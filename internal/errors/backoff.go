package errors

import (
	"math/rand"
	"time"
)

// BackoffConfig parameterizes exponential backoff with jitter, shared by
// the session layer's reconnect loop and the tool registry's retry layer.
type BackoffConfig struct {
	Initial        time.Duration
	Max            time.Duration
	Factor         float64
	JitterFraction float64 // 0 = none, 1 = full jitter [0, computed)
}

// DefaultSessionBackoff matches spec.md §4.1: base 1s, cap 60s, full jitter.
func DefaultSessionBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Max: 60 * time.Second, Factor: 2.0, JitterFraction: 1.0}
}

// DefaultRetryBackoff matches the teacher's tool-retry jitter fraction.
func DefaultRetryBackoff() BackoffConfig {
	return BackoffConfig{Initial: 250 * time.Millisecond, Max: 10 * time.Second, Factor: 2.0, JitterFraction: 0.25}
}

// Backoff computes the delay before attempt (0-indexed) under cfg.
func Backoff(cfg BackoffConfig, attempt int) time.Duration {
	d := float64(cfg.Initial)
	for i := 0; i < attempt; i++ {
		d *= cfg.Factor
	}
	if max := float64(cfg.Max); d > max {
		d = max
	}
	if cfg.JitterFraction <= 0 {
		return time.Duration(d)
	}
	if cfg.JitterFraction >= 1.0 {
		// Full jitter: uniform in [0, d).
		return time.Duration(rand.Float64() * d)
	}
	lo := d * (1 - cfg.JitterFraction)
	hi := d * (1 + cfg.JitterFraction)
	return time.Duration(lo + rand.Float64()*(hi-lo))
}
