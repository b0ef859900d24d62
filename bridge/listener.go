package bridge

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

// listen dispatches reply frames until ctx ends or the stream closes
func (b *Bridge) listen(ctx context.Context, stream <-chan messaging.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-stream:
			if !ok {
				if ctx.Err() == nil {
					b.replyStreamLost(done)
				}
				return
			}
			b.dispatch(d)
		}
	}
}

// dispatch handles one frame. Nothing a frame contains can stop the loop.
func (b *Bridge) dispatch(d messaging.Delivery) {
	token := d.CorrelationID()

	defer func() {
		if r := recover(); r != nil {
			b.dropMalformed(&MalformedReplyError{
				CorrelationID: token,
				Reason:        "dispatch panicked",
				Err:           fmt.Errorf("%v", r),
			})
		}
		if err := d.Acknowledge(); err != nil {
			b.logger.Debug("failed to acknowledge reply", "correlationId", token, "error", err)
		}
	}()

	if token == "" {
		b.dropMalformed(&MalformedReplyError{Reason: "missing correlation id"})
		return
	}

	replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
	if err != nil {
		b.dropMalformed(&MalformedReplyError{CorrelationID: token, Reason: "undecodable body", Err: err})
		return
	}

	switch b.table.Deliver(token, replies) {
	case DeliverUnknown:
		b.logger.Debug("dropping reply for unknown call", "correlationId", token, "domains", replies.Domains())
		b.observer.ReplyDropped(DropUnknownToken)
	case DeliverOverflow:
		b.logger.Debug("dropping reply beyond expected count", "correlationId", token, "domains", replies.Domains())
		b.observer.ReplyDropped(DropOverflow)
	case DeliverDuplicate:
		b.logger.Debug("dropping repeated reply", "correlationId", token, "domains", replies.Domains())
		b.observer.ReplyDropped(DropDuplicate)
	case DeliverCompleted:
		b.logger.Debug("call satisfied", "correlationId", token)
	}
}

func (b *Bridge) dropMalformed(err *MalformedReplyError) {
	b.logger.Warn("dropping malformed reply", "correlationId", err.CorrelationID, "reason", err.Reason, "error", err)
	b.observer.ReplyDropped(DropMalformed)
}

// replyStreamLost fails every pending call and marks the bridge
// disconnected so the owner can reconnect
func (b *Bridge) replyStreamLost(done chan struct{}) {
	b.mu.Lock()
	if b.listenDone == done {
		b.connected = false
		b.cancelListen()
		b.cancelListen = nil
		b.listenDone = nil
	}
	b.mu.Unlock()

	n := b.table.CancelAll(&TransportError{Op: "receive", Err: ErrReplyStreamClosed})
	b.observer.PendingChanged(0)
	b.logger.Error("reply stream closed", "failedCalls", n)
}
