package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before a trial is allowed
	OpenTimeout time.Duration
	// Clock defaults to the wall clock
	Clock clock.Clock
	// OnStateChange is called, under the breaker lock, whenever the state changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// Validate checks the configuration invariants
func (c CircuitBreakerConfig) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.NewConfigurationError("circuit failure threshold must be >= 1")
	case c.SuccessThreshold < 1:
		return errors.NewConfigurationError("circuit success threshold must be >= 1")
	case c.OpenTimeout <= 0:
		return errors.NewConfigurationError("circuit open timeout must be positive")
	}
	return nil
}

// Counts holds the numbers of requests and their successes/failures
// within the current generation
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	Rejections           uint32 `json:"rejections"`
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name     string       `json:"name"`
	State    CircuitState `json:"-"`
	StateStr string       `json:"state"`
	Counts   Counts       `json:"counts"`
	OpenedAt time.Time    `json:"opened_at,omitempty"`
}

type requestOutcome int

const (
	outcomeSuccess requestOutcome = iota
	outcomeFailure
	// outcomeIgnored releases a trial slot without counting, e.g. when
	// the caller cancelled before the upstream answered
	outcomeIgnored
)

// CircuitBreaker is a state machine to prevent sending requests that are likely to fail
type CircuitBreaker struct {
	name             string
	failureThreshold uint32
	successThreshold uint32
	openTimeout      time.Duration
	clock            clock.Clock
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex         sync.Mutex
	state         CircuitState
	generation    uint64
	counts        Counts
	openedAt      time.Time
	trialInFlight bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: uint32(config.FailureThreshold),
		successThreshold: uint32(config.SuccessThreshold),
		openTimeout:      config.OpenTimeout,
		clock:            config.Clock,
		onStateChange:    config.OnStateChange,
		logger:           config.Logger,
		state:            StateClosed,
	}

	if cb.clock == nil {
		cb.clock = clock.New()
	}
	if cb.logger == nil {
		cb.logger = logging.GetLogger()
	}

	return cb, nil
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, outcomeFailure)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, classifyOutcome(err))
	return result, err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.clock.Now())
	return state
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Snapshot returns the state, counts and open time atomically
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.clock.Now())
	return Snapshot{
		Name:     cb.name,
		State:    state,
		StateStr: state.String(),
		Counts:   cb.counts,
		OpenedAt: cb.openedAt,
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func classifyOutcome(err error) requestOutcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case stderrors.Is(err, context.Canceled):
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.clock.Now())

	switch {
	case state == StateOpen:
		cb.counts.Rejections++
		return generation, errors.NewCircuitOpenError(cb.name, state.String())
	case state == StateHalfOpen && cb.trialInFlight:
		cb.counts.Rejections++
		return generation, errors.NewCircuitOpenError(cb.name, state.String()).
			WithDetail("reason", "trial in flight")
	case state == StateHalfOpen:
		cb.trialInFlight = true
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, outcome requestOutcome) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if state == StateHalfOpen {
		cb.trialInFlight = false
	}

	switch outcome {
	case outcomeSuccess:
		cb.onSuccess(state, now)
	case outcomeFailure:
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.successThreshold {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.openTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	counts := cb.counts

	cb.state = state
	cb.generation++
	cb.counts = Counts{}
	cb.trialInFlight = false

	if state == StateOpen {
		cb.openedAt = now
	} else {
		cb.openedAt = time.Time{}
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.LogBreakerTransition(cb.name, prev.String(), state.String(), logrus.Fields{
		"consecutive_failures":  counts.ConsecutiveFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"rejections":            counts.Rejections,
	})
}
