package bridge

import (
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// DeliverResult is the outcome of handing a reply to the table
type DeliverResult int

const (
	// DeliverUnknown means no call owns the token
	DeliverUnknown DeliverResult = iota
	// DeliverAccepted means the reply was added and more are expected
	DeliverAccepted
	// DeliverCompleted means the reply satisfied the call
	DeliverCompleted
	// DeliverOverflow means the call was already resolved; the reply is dropped
	DeliverOverflow
	// DeliverDuplicate means every domain in the reply had already answered
	DeliverDuplicate
)

func (r DeliverResult) String() string {
	switch r {
	case DeliverUnknown:
		return "unknown"
	case DeliverAccepted:
		return "accepted"
	case DeliverCompleted:
		return "completed"
	case DeliverOverflow:
		return "overflow"
	case DeliverDuplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// PendingCall is the aggregation state of one outstanding call. Each reply
// frame counts once toward Expected; the first value seen for a domain is
// kept. A call addressing several domains counts only frames that bring a
// domain not seen yet, so a redelivered reply cannot stand in for a
// missing one.
type PendingCall struct {
	Token    string
	Expected int
	Deadline time.Time
	Started  time.Time

	distinct bool
	mu       sync.Mutex
	replies  contracts.Replies
	received int
	resolved bool
	err      error
	done     chan struct{}
}

func newPendingCall(token string, expected int, deadline time.Time, domains []string) *PendingCall {
	if expected < 1 {
		expected = 1
	}
	return &PendingCall{
		Token:    token,
		Expected: expected,
		Deadline: deadline,
		distinct: len(domains) > 1 && expected <= len(domains),
		Started:  time.Now(),
		replies:  make(contracts.Replies),
		done:     make(chan struct{}),
	}
}

// Done is closed once the call is satisfied or failed
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Err returns the failure the call was resolved with, if any
func (p *PendingCall) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Snapshot returns a copy of the replies collected so far and the number
// of frames received
func (p *PendingCall) Snapshot() (contracts.Replies, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replies.Clone(), p.received
}

func (p *PendingCall) deliver(replies contracts.Replies) DeliverResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return DeliverOverflow
	}

	added := false
	for domain, payload := range replies {
		if _, seen := p.replies[domain]; !seen {
			p.replies[domain] = payload
			added = true
		}
	}
	if p.distinct && !added {
		return DeliverDuplicate
	}
	p.received++

	if p.received >= p.Expected {
		p.resolved = true
		close(p.done)
		return DeliverCompleted
	}
	return DeliverAccepted
}

// fail resolves the call with err unless it already resolved
func (p *PendingCall) fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resolved {
		return false
	}
	p.resolved = true
	p.err = err
	close(p.done)
	return true
}
