package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker refuses to run an
// operation. It matches ErrCircuitOpen or ErrCircuitHalfOpenLimit.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
		e.Name, e.Failures, e.FailureThreshold, time.Until(e.NextRetry).Round(time.Millisecond))
}

func (e *CircuitBreakerError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == StateOpen
	case ErrCircuitHalfOpenLimit:
		return e.State == StateHalfOpen
	}
	return false
}

// RetryError reports an operation that kept failing
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() []error { return []error{ErrNonRetryable, p.err} }

// Permanent marks err as not worth retrying. Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether Retry would try again after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNonRetryable)
}
