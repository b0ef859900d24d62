package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
)

// Header names carried next to the frame body
const (
	HeaderDomain              = "x-domain"
	HeaderEnvelope            = "x-envelope"
	HeaderEnvelopeContentType = "x-envelope-content-type"
	HeaderCorrelationID       = "x-correlation-id"
	HeaderReplyTo             = "x-reply-to"
	HeaderContentType         = "content-type"
)

// Frame is an outbound message as handed to a transport
type Frame struct {
	CorrelationID string
	ReplyTo       string
	Tag           contracts.RoutingTag
	ContentType   string
	Body          []byte
	Headers       map[string]interface{}
	Timestamp     time.Time
}

// Delivery represents a message delivered by a transport
type Delivery interface {
	// CorrelationID returns the token echoed from the request
	CorrelationID() string

	// ReplyTo returns the reply address of the requester, if any
	ReplyTo() string

	// ContentType returns the body encoding
	ContentType() string

	// Body returns the message body
	Body() []byte

	// Headers returns message headers
	Headers() map[string]interface{}

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}

// Transport is the connection lifecycle shared by both roles
type Transport interface {
	// Connect establishes the broker connection. Calling it on a live
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Close releases the connection. Safe on an unconnected transport.
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// ClientTransport publishes tagged frames and receives replies on an
// exclusive reply address declared by Connect
type ClientTransport interface {
	Transport

	// ReplyAddress returns the address replies must be sent to
	ReplyAddress() string

	// Publish fans the frame out to every queue bound to a true flag
	Publish(ctx context.Context, frame *Frame) error

	// Replies streams deliveries from the reply address until ctx is done
	// or the connection is lost, then closes the channel
	Replies(ctx context.Context) (<-chan Delivery, error)
}

// ServerTransport consumes requests for one domain and sends replies
type ServerTransport interface {
	Transport

	// Listen binds a shared queue for domain and streams its requests
	Listen(ctx context.Context, domain string, prefetch int) (<-chan Delivery, error)

	// Reply sends a frame straight to a requester's reply address
	Reply(ctx context.Context, replyTo string, frame *Frame) error
}

// HeaderString reads a string header, accepting []byte values as well
func HeaderString(headers map[string]interface{}, key string) string {
	switch v := headers[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// HeaderBytes reads a byte header, accepting string values as well
func HeaderBytes(headers map[string]interface{}, key string) []byte {
	switch v := headers[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
