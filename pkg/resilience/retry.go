package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the maximum number of calls, including the first one
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps every computed delay
	MaxDelay time.Duration
	// ExponentialBase is the growth factor between consecutive delays
	ExponentialBase float64
	// JitterEnabled scales each delay by a random factor in [0.5, 1.5)
	JitterEnabled bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		JitterEnabled:   true,
	}
}

// Validate checks the configuration invariants
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.NewConfigurationError("retry max attempts must be >= 1")
	case c.BaseDelay <= 0:
		return errors.NewConfigurationError("retry base delay must be positive")
	case c.MaxDelay < c.BaseDelay:
		return errors.NewConfigurationError("retry max delay must be >= base delay")
	case c.ExponentialBase <= 1:
		return errors.NewConfigurationError("retry exponential base must be > 1")
	}
	return nil
}

// RetryPolicy decides whether and when a failed call is retried. It holds
// no mutable state and can be shared by concurrent callers.
type RetryPolicy struct {
	config    RetryConfig
	random    func() float64
	retryable func(error) bool
}

// RetryOption customizes a RetryPolicy
type RetryOption func(*RetryPolicy)

// WithRandomSource injects the source used for jitter. It must return
// values in [0, 1) and be safe for concurrent use.
func WithRandomSource(random func() float64) RetryOption {
	return func(p *RetryPolicy) {
		p.random = random
	}
}

// WithRetryableClassifier replaces the transient-error classifier
func WithRetryableClassifier(retryable func(error) bool) RetryOption {
	return func(p *RetryPolicy) {
		p.retryable = retryable
	}
}

// NewRetryPolicy creates a retry policy from a validated configuration
func NewRetryPolicy(config RetryConfig, opts ...RetryOption) (*RetryPolicy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &RetryPolicy{
		config:    config,
		random:    rand.Float64,
		retryable: DefaultRetryableErrors,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DefaultRetryableErrors determines if an error is retryable by default.
// Breaker rejections and cancellations are never retried.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsCircuitOpen(err) || errors.IsCancelled(err) || errors.IsPermanent(err) {
		return false
	}
	return errors.IsTransient(err)
}

// Config returns the policy configuration
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// MaxAttempts returns the maximum number of calls per invocation
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// ShouldRetry reports whether another attempt may follow the given
// 1-based attempt that failed with err.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.config.MaxAttempts {
		return false
	}
	return p.retryable(err)
}

// NextDelay returns the wait before the attempt following attempt n
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.config.BaseDelay) * math.Pow(p.config.ExponentialBase, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.config.MaxDelay)
	}

	if p.config.JitterEnabled {
		delay *= 0.5 + p.random()
		if delay > float64(p.config.MaxDelay) {
			delay = float64(p.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}
