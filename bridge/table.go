package bridge

import (
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// Table maps correlation tokens to pending calls. Every method is safe for
// concurrent use; Deliver holds the table lock while it updates the call so
// a reply can never race a Register or Complete of the same token.
type Table struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
	max   int
}

// NewTable creates a table admitting at most max calls. max <= 0 means no
// limit.
func NewTable(max int) *Table {
	return &Table{
		calls: make(map[string]*PendingCall),
		max:   max,
	}
}

// Register creates the pending call for token
func (t *Table) Register(token string, expected int, deadline time.Time) (*PendingCall, error) {
	return t.RegisterDomains(token, expected, deadline, nil)
}

// RegisterDomains creates the pending call for token addressed to domains
func (t *Table) RegisterDomains(token string, expected int, deadline time.Time, domains []string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[token]; exists {
		return nil, ErrDuplicateToken
	}
	if t.max > 0 && len(t.calls) >= t.max {
		return nil, ErrTooManyPending
	}

	call := newPendingCall(token, expected, deadline, domains)
	t.calls[token] = call
	return call, nil
}

// Lookup returns the pending call for token
func (t *Table) Lookup(token string) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[token]
	return call, ok
}

// Complete removes the call for token and returns it in its final state
func (t *Table) Complete(token string) (*PendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[token]
	if ok {
		delete(t.calls, token)
	}
	return call, ok
}

// Deliver adds one reply frame to the call owning token
func (t *Table) Deliver(token string, replies contracts.Replies) DeliverResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.calls[token]
	if !ok {
		return DeliverUnknown
	}
	return call.deliver(replies)
}

// CancelAll resolves and removes every pending call, returning how many
// were still waiting
func (t *Table) CancelAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*PendingCall)
	t.mu.Unlock()

	n := 0
	for _, call := range calls {
		if call.fail(err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending calls
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
