package contracts

import (
	"fmt"
	"net/http"
	"sort"
)

// Payload is what a worker returns for its domain
type Payload struct {
	Success    bool `json:"success"`
	StatusCode int  `json:"status_code"`
	Message    any  `json:"message,omitempty"`
	Error      any  `json:"error,omitempty"`
}

// Replies maps each answering domain to its payload
type Replies map[string]Payload

// OK builds a successful payload
func OK(statusCode int, message any) Payload {
	return Payload{Success: true, StatusCode: statusCode, Message: message}
}

// Fail builds an error payload
func Fail(statusCode int, errValue any) Payload {
	return Payload{Success: false, StatusCode: statusCode, Error: errValue}
}

// IsSuccess reports whether the worker reported success
func (p Payload) IsSuccess() bool {
	return p.Success
}

// Status returns the status code, falling back to 200 or 500 when the
// worker left it unset
func (p Payload) Status() int {
	if p.StatusCode != 0 {
		return p.StatusCode
	}
	if p.Success {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

// GetError returns the worker error as a Go error, or nil on success
func (p Payload) GetError() error {
	if p.Success {
		return nil
	}
	return fmt.Errorf("status %d: %v", p.Status(), p.Error)
}

// Domains returns the sorted domain keys of the replies
func (r Replies) Domains() []string {
	domains := make([]string, 0, len(r))
	for domain := range r {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Clone returns a shallow copy that is safe to hand to another goroutine
func (r Replies) Clone() Replies {
	out := make(Replies, len(r))
	for domain, payload := range r {
		out[domain] = payload
	}
	return out
}
