package contracts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyEnvelope is returned when an envelope carries no domain
	ErrEmptyEnvelope = errors.New("contracts: envelope has no domain")
	// ErrMissingAction is returned when a domain request has no action
	ErrMissingAction = errors.New("contracts: request action is required")
)

// Request is the per-domain part of an envelope
type Request struct {
	Action string `json:"action"`
	Body   any    `json:"body"`
}

// Envelope wraps one request per target domain for transport
type Envelope map[string]Request

// NewEnvelope creates a single-domain envelope
func NewEnvelope(domain, action string, body any) Envelope {
	return Envelope{domain: {Action: action, Body: body}}
}

// Domains returns the domain keys present in the envelope
func (e Envelope) Domains() []string {
	domains := make([]string, 0, len(e))
	for domain := range e {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Validate checks that every domain has a name and an action
func (e Envelope) Validate() error {
	if len(e) == 0 {
		return ErrEmptyEnvelope
	}
	for domain, req := range e {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("%w: blank domain key", ErrEmptyEnvelope)
		}
		if strings.TrimSpace(req.Action) == "" {
			return fmt.Errorf("%w: domain %q", ErrMissingAction, domain)
		}
	}
	return nil
}

// String renders the envelope as domain.action pairs for logging
func (e Envelope) String() string {
	parts := make([]string, 0, len(e))
	for _, domain := range e.Domains() {
		parts = append(parts, domain+"."+e[domain].Action)
	}
	return strings.Join(parts, ",")
}
