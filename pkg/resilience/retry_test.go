package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
)

func newTestPolicy(t *testing.T, cfg RetryConfig, opts ...RetryOption) *RetryPolicy {
	t.Helper()

	policy, err := NewRetryPolicy(cfg, opts...)
	require.NoError(t, err)
	return policy
}

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RetryConfig)
	}{
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }},
		{"zero base delay", func(c *RetryConfig) { c.BaseDelay = 0 }},
		{"max below base", func(c *RetryConfig) { c.MaxDelay = c.BaseDelay / 2 }},
		{"base of one", func(c *RetryConfig) { c.ExponentialBase = 1 }},
	}

	require.NoError(t, DefaultRetryConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)

			_, err := NewRetryPolicy(cfg)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := newTestPolicy(t, RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
	})

	transient := errors.NewTimeoutError("fetch")

	tests := []struct {
		name     string
		attempt  int
		err      error
		expected bool
	}{
		{"first transient failure", 1, transient, true},
		{"second transient failure", 2, transient, true},
		{"attempt at max", 3, transient, false},
		{"attempt beyond max", 10, transient, false},
		{"nil error", 1, nil, false},
		{"authentication", 1, errors.NewAuthenticationError("bad key"), false},
		{"validation", 1, errors.NewValidationError("bad request"), false},
		{"not found", 1, errors.NewNotFoundError("dataset"), false},
		{"circuit open", 1, errors.NewCircuitOpenError("upstream", "OPEN"), false},
		{"cancelled", 1, context.Canceled, false},
		{"rate limited", 1, errors.NewRateLimitError("429"), true},
		{"wrapped 5xx", 1, fmt.Errorf("page 2: %w", errors.FromHTTPStatus("upstream", 503, "unavailable")), true},
		{"deadline", 1, context.DeadlineExceeded, true},
		{"unclassified", 1, assert.AnError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.ShouldRetry(tt.attempt, tt.err))
		})
	}
}

func TestRetryPolicy_NeverRetriesAtOrBeyondMax(t *testing.T) {
	for maxAttempts := 1; maxAttempts <= 6; maxAttempts++ {
		policy := newTestPolicy(t, RetryConfig{
			MaxAttempts:     maxAttempts,
			BaseDelay:       time.Millisecond,
			MaxDelay:        time.Second,
			ExponentialBase: 2,
		})

		for n := maxAttempts; n < maxAttempts+5; n++ {
			assert.False(t, policy.ShouldRetry(n, errors.NewExternalError("upstream", "502")),
				"max=%d n=%d", maxAttempts, n)
		}
	}
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	policy := newTestPolicy(t, RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
	})

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	assert.Equal(t, time.Second, policy.NextDelay(0))
}

func TestRetryPolicy_NextDelayMonotonicAndCapped(t *testing.T) {
	policy := newTestPolicy(t, RetryConfig{
		MaxAttempts:     50,
		BaseDelay:       250 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 3,
	})

	var prev time.Duration
	for n := 1; n <= 200; n++ {
		delay := policy.NextDelay(n)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", n)
		assert.LessOrEqual(t, delay, 30*time.Second, "attempt %d", n)
		prev = delay
	}
	assert.Equal(t, 30*time.Second, policy.NextDelay(200))
}

func TestRetryPolicy_Jitter(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		JitterEnabled:   true,
	}

	low := newTestPolicy(t, cfg, WithRandomSource(func() float64 { return 0 }))
	assert.Equal(t, 2*time.Second, low.NextDelay(3))

	mid := newTestPolicy(t, cfg, WithRandomSource(func() float64 { return 0.5 }))
	assert.Equal(t, 4*time.Second, mid.NextDelay(3))

	high := newTestPolicy(t, cfg, WithRandomSource(func() float64 { return 0.999 }))
	delay := high.NextDelay(3)
	assert.Greater(t, delay, 5*time.Second)
	assert.Less(t, delay, 6*time.Second)

	// jitter never pushes a capped delay beyond MaxDelay
	assert.Equal(t, time.Minute, high.NextDelay(20))
}

func TestRetryPolicy_JitterBoundsWithDefaultSource(t *testing.T) {
	policy := newTestPolicy(t, RetryConfig{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		JitterEnabled:   true,
	})

	for i := 0; i < 500; i++ {
		delay := policy.NextDelay(2)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.Less(t, delay, 3*time.Second)
	}
}

func TestRetryPolicy_CustomClassifier(t *testing.T) {
	policy := newTestPolicy(t, DefaultRetryConfig(), WithRetryableClassifier(func(err error) bool {
		return err == assert.AnError
	}))

	assert.True(t, policy.ShouldRetry(1, assert.AnError))
	assert.False(t, policy.ShouldRetry(1, errors.NewTimeoutError("fetch")))
}
