package bridge

import "time"

// Call outcomes reported to an Observer
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeAborted   = "aborted"
)

// Reasons a reply frame is dropped
const (
	DropUnknownToken = "unknown_token"
	DropOverflow     = "overflow"
	DropDuplicate    = "duplicate"
	DropMalformed    = "malformed"
)

// Observer receives call and listener events, typically to feed metrics
type Observer interface {
	CallFinished(domain, outcome string, elapsed time.Duration)
	PendingChanged(n int)
	ReplyDropped(reason string)
}

type noopObserver struct{}

func (noopObserver) CallFinished(string, string, time.Duration) {}
func (noopObserver) PendingChanged(int)                         {}
func (noopObserver) ReplyDropped(string)                        {}
