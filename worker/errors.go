package worker

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnknownAction is reported in the 404 payload for an action with no handler
	ErrUnknownAction = errors.New("worker: unknown action")
	// ErrAlreadyRunning is returned by Start and Handle on a running worker
	ErrAlreadyRunning = errors.New("worker: already running")
	// ErrNotRunning is returned by Stop on a stopped worker
	ErrNotRunning = errors.New("worker: not running")
)

// StatusError is a handler error with an explicit status code. Any other
// handler error is reported with status 500.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Errorf builds a StatusError from a format string
func Errorf(code int, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Err: fmt.Errorf(format, args...)}
}

// BadRequest marks err as the caller's fault
func BadRequest(err error) *StatusError {
	return &StatusError{Code: http.StatusBadRequest, Err: err}
}

// NotFound marks err as a missing resource
func NotFound(err error) *StatusError {
	return &StatusError{Code: http.StatusNotFound, Err: err}
}

// statusOf returns the status code to report for a handler error
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) && se.Code > 0 {
		return se.Code
	}
	return http.StatusInternalServerError
}
