package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker transitions
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// CircuitBreaker opens after failureThreshold consecutive failures, rejects
// work for timeout, then lets up to halfOpenRequests probes through.
// successThreshold successful probes close it again; one failed probe
// reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	listeners   []StateChangeListener
	countsAsErr func(error) bool
	now         func() time.Time

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if timeout > 0 {
			cb.timeout = timeout
		}
	}
}

// WithHalfOpenRequests caps concurrent probes while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName names the breaker in errors and notifications
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count as failures. Errors it
// rejects are returned to the caller without touching the breaker state.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.countsAsErr = fn
		}
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		countsAsErr:      func(err error) bool { return err != nil },
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit refuses it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open circuit to
// half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireLocked()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the circuit closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed, "reset")
}

// AddListener registers a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expireLocked()

	switch cb.state {
	case StateOpen:
		return &CircuitBreakerError{
			Name:             cb.name,
			State:            StateOpen,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			NextRetry:        cb.openedAt.Add(cb.timeout),
		}
	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            StateHalfOpen,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        cb.now(),
			}
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probe := cb.state == StateHalfOpen
	if probe && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil && cb.countsAsErr(err) {
		cb.failures++
		cb.successes = 0
		switch {
		case probe:
			cb.transitionLocked(StateOpen, "probe failed")
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			cb.transitionLocked(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
		}
		return
	}

	if probe {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionLocked(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
		return
	}
	if cb.state == StateClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) expireLocked() {
	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.timeout)) {
		cb.transitionLocked(StateHalfOpen, "open timeout expired")
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.inFlight = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}

	if from == to {
		return
	}
	for _, l := range cb.listeners {
		go l.OnStateChange(cb.name, from, to, reason)
	}
}
