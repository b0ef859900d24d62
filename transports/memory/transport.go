package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/messaging"
)

// Transport connects to a Broker and implements both the client and the
// server transport roles
type Transport struct {
	broker      *Broker
	queuePrefix string
	logger      *slog.Logger

	mu         sync.Mutex
	connected  bool
	replyQueue string
	cancels    []context.CancelFunc
}

var (
	_ messaging.ClientTransport = (*Transport)(nil)
	_ messaging.ServerTransport = (*Transport)(nil)
)

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithQueuePrefix sets the prefix of shared domain queues
func WithQueuePrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.queuePrefix = prefix
	}
}

// NewTransport creates an unconnected transport on broker
func NewTransport(broker *Broker, options ...TransportOption) *Transport {
	t := &Transport{
		broker:      broker,
		queuePrefix: "rpc.",
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect attaches to the broker and declares an exclusive reply queue
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	t.replyQueue = "amq.gen-" + uuid.New().String()
	t.broker.declare(t.replyQueue, true)
	t.broker.attach(t)
	t.connected = true

	t.logger.Debug("memory transport connected", "replyQueue", t.replyQueue)
	return nil
}

// Close deletes the reply queue and ends every delivery stream
func (t *Transport) Close() error {
	t.broker.detach(t)
	t.drop()
	return nil
}

// drop tears the connection down without detaching from the broker
func (t *Transport) drop() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	replyQueue := t.replyQueue
	t.replyQueue = ""
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	t.broker.deleteQueue(replyQueue)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ReplyAddress returns the reply queue name
func (t *Transport) ReplyAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyQueue
}

// Publish routes the frame by its tag. A tag nobody is bound to is not an
// error; the frame is simply not delivered.
func (t *Transport) Publish(ctx context.Context, frame *messaging.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	n, err := t.broker.route(frame)
	if err != nil {
		return err
	}
	if n == 0 {
		t.logger.Debug("frame not routed", "correlationId", frame.CorrelationID, "tag", frame.Tag.String())
	}
	return nil
}

// Replies streams the reply queue
func (t *Transport) Replies(ctx context.Context) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	q := t.broker.declare(t.replyQueue, true)
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	return pump(streamCtx, q.ch), nil
}

// Listen declares the shared queue of domain, binds it to the domain flag
// and streams it. Listeners on the same domain compete for frames.
func (t *Transport) Listen(ctx context.Context, domain string, prefetch int) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	name := t.queuePrefix + domain
	q := t.broker.declare(name, false)
	t.broker.bind(domain, name)
	streamCtx, cancel := context.WithCancel(ctx)
	t.cancels = append(t.cancels, cancel)
	t.mu.Unlock()

	t.logger.Debug("listening", "queue", name, "domain", domain, "prefetch", prefetch)
	return pump(streamCtx, q.ch), nil
}

// Reply sends frame to a reply queue. A queue that no longer exists drops
// the frame silently.
func (t *Transport) Reply(ctx context.Context, replyTo string, frame *messaging.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	delivered, err := t.broker.sendTo(replyTo, frame)
	if err != nil {
		return err
	}
	if !delivered {
		t.logger.Debug("reply address gone", "replyTo", replyTo, "correlationId", frame.CorrelationID)
	}
	return nil
}

// pump forwards a queue into an unbuffered stream until ctx ends or the
// queue is deleted
func pump(ctx context.Context, in <-chan *Delivery) <-chan messaging.Delivery {
	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					d.broker.requeue(d.queue, d)
					return
				}
			}
		}
	}()
	return out
}
