package worker

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-rpc/contracts"
)

// Request is one decoded call addressed to this worker's domain
type Request struct {
	Domain        string
	Action        string
	Body          any
	CorrelationID string
	ReplyTo       string
	Headers       map[string]interface{}

	// Data holds the raw frame body of a binary call; Body then comes from
	// the side envelope
	Data []byte

	codec contracts.Codec
}

// IsBinary reports whether the call carried a binary payload
func (r *Request) IsBinary() bool {
	return r.Data != nil
}

// Bind decodes Body into v by round-tripping it through the request codec
func (r *Request) Bind(v any) error {
	if r.Body == nil {
		return BadRequest(fmt.Errorf("request body is empty"))
	}
	data, err := r.codec.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("failed to re-encode body: %w", err)
	}
	if err := r.codec.Unmarshal(data, v); err != nil {
		return BadRequest(fmt.Errorf("failed to decode body: %w", err))
	}
	return nil
}

// HandlerFunc handles one action. The returned value becomes the message
// of a success payload; a contracts.Payload is sent unchanged. An error
// becomes a failure payload.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)
