package bridge

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
)

var (
	// ErrTimeout matches every *TimeoutError
	ErrTimeout = errors.New("bridge: timed out waiting for replies")

	// ErrCancelled resolves calls still pending when the listener stops
	ErrCancelled = errors.New("bridge: call cancelled by shutdown")

	ErrTooManyPending    = errors.New("bridge: too many pending calls")
	ErrDuplicateToken    = errors.New("bridge: correlation token already pending")
	ErrNotConnected      = errors.New("bridge: not connected")
	ErrReplyStreamClosed = errors.New("bridge: reply stream closed")
)

// TransportError is a connection, subscription or publish failure. The
// bridge never retries it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call whose deadline passed before the expected
// number of replies arrived. Replies holds whatever did arrive.
type TimeoutError struct {
	CorrelationID string
	Expected      int
	Received      int
	Replies       contracts.Replies
	Err           error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: call %s timed out with %d/%d replies", e.CorrelationID, e.Received, e.Expected)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// MalformedReplyError describes a reply frame the listener dropped. It is
// logged, never returned to a caller.
type MalformedReplyError struct {
	CorrelationID string
	Reason        string
	Err           error
}

func (e *MalformedReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge: malformed reply %q: %s: %v", e.CorrelationID, e.Reason, e.Err)
	}
	return fmt.Sprintf("bridge: malformed reply %q: %s", e.CorrelationID, e.Reason)
}

func (e *MalformedReplyError) Unwrap() error {
	return e.Err
}
