package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

// Operation is a single external call
type Operation func(ctx context.Context) (interface{}, error)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Invoker wraps operations against one logical endpoint with a shared
// circuit breaker and retry policy
type Invoker struct {
	name    string
	breaker *CircuitBreaker
	policy  *RetryPolicy
	sleep   Sleeper
	onRetry func(attempt int, err error, delay time.Duration)
	logger  *logging.Logger
}

// InvokerOption customizes an Invoker
type InvokerOption func(*Invoker)

// WithSleeper replaces the backoff wait, mainly for tests
func WithSleeper(sleep Sleeper) InvokerOption {
	return func(i *Invoker) {
		i.sleep = sleep
	}
}

// WithOnRetry registers a hook called before each backoff wait
func WithOnRetry(onRetry func(attempt int, err error, delay time.Duration)) InvokerOption {
	return func(i *Invoker) {
		i.onRetry = onRetry
	}
}

// WithInvokerLogger sets the logger
func WithInvokerLogger(logger *logging.Logger) InvokerOption {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// NewInvoker creates an invoker for the named endpoint
func NewInvoker(name string, breaker *CircuitBreaker, policy *RetryPolicy, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		name:    name,
		breaker: breaker,
		policy:  policy,
		sleep:   sleepContext,
		logger:  logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewInvokerFromConfig builds the breaker and policy for an endpoint
func NewInvokerFromConfig(name string, cbConfig CircuitBreakerConfig, retryConfig RetryConfig, opts ...InvokerOption) (*Invoker, error) {
	if cbConfig.Name == "" {
		cbConfig.Name = name
	}

	breaker, err := NewCircuitBreaker(cbConfig)
	if err != nil {
		return nil, err
	}
	policy, err := NewRetryPolicy(retryConfig)
	if err != nil {
		return nil, err
	}
	return NewInvoker(name, breaker, policy, opts...), nil
}

type stopKey struct{}

// WithStopContext attaches stop to ctx. Once stop is done Invoke issues
// no further attempts and abandons its backoff wait, but an attempt
// already running keeps ctx and may finish.
func WithStopContext(ctx, stop context.Context) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

func stopContext(ctx context.Context) context.Context {
	if stop, ok := ctx.Value(stopKey{}).(context.Context); ok && stop != nil {
		return stop
	}
	return ctx
}

// Invoke runs op with retries. A breaker rejection fails fast without
// consuming an attempt's delay, and op is never called more than
// MaxAttempts times.
func (i *Invoker) Invoke(ctx context.Context, op Operation) (interface{}, error) {
	maxAttempts := i.policy.MaxAttempts()
	stop := stopContext(ctx)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, i.interrupted(ctx, err)
		}
		if err := stop.Err(); err != nil {
			return nil, errors.NewCancelledError(i.name).WithCause(err)
		}

		generation, err := i.breaker.beforeRequest()
		if err != nil {
			i.logger.Debug("Call rejected by circuit breaker",
				"endpoint", i.name,
				"attempt", attempt,
			)
			return nil, err
		}

		result, err := i.call(ctx, generation, op)
		if err == nil {
			if attempt > 1 {
				i.logger.Info("Operation succeeded after retry",
					"endpoint", i.name,
					"attempt", attempt,
					"max_attempts", maxAttempts,
				)
			}
			return result, nil
		}

		if stderrors.Is(ctx.Err(), context.Canceled) {
			return nil, i.interrupted(ctx, err)
		}
		if !i.policy.ShouldRetry(attempt, err) {
			return nil, fmt.Errorf("%s failed after %d attempt(s): %w", i.name, attempt, err)
		}
		if stop.Err() != nil {
			return nil, errors.NewCancelledError(i.name).WithCause(err)
		}

		delay := i.policy.NextDelay(attempt)

		i.logger.Debug("Operation failed, retrying",
			"endpoint", i.name,
			"error", err,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay.String(),
		)

		if i.onRetry != nil {
			i.onRetry(attempt, err, delay)
		}

		if err := i.wait(ctx, stop, delay); err != nil {
			if ctx.Err() == nil {
				return nil, errors.NewCancelledError(i.name).WithCause(err)
			}
			return nil, i.interrupted(ctx, err)
		}
	}

	// unreachable: the final attempt either returns or ShouldRetry is false
	return nil, errors.NewInternalError(fmt.Sprintf("%s exhausted retries", i.name))
}

// wait sleeps for delay, ending early when either ctx or stop is done
func (i *Invoker) wait(ctx, stop context.Context, delay time.Duration) error {
	if stop == ctx {
		return i.sleep(ctx, delay)
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unregister := context.AfterFunc(stop, func() {
		cancel(stop.Err())
	})
	defer unregister()

	return i.sleep(waitCtx, delay)
}

func (i *Invoker) interrupted(ctx context.Context, cause error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(i.name).WithCause(cause)
	}
	return errors.NewCancelledError(i.name).WithCause(cause)
}

func (i *Invoker) call(ctx context.Context, generation uint64, op Operation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.breaker.afterRequest(generation, outcomeFailure)
			panic(r)
		}
	}()

	result, err = op(ctx)
	i.breaker.afterRequest(generation, classifyOutcome(err))
	return result, err
}

// Name returns the endpoint name
func (i *Invoker) Name() string {
	return i.name
}

// Breaker returns the shared circuit breaker
func (i *Invoker) Breaker() *CircuitBreaker {
	return i.breaker
}

// Policy returns the retry policy
func (i *Invoker) Policy() *RetryPolicy {
	return i.policy
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
