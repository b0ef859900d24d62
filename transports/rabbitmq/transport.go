package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

// DefaultExchange is the headers exchange requests are published to
const DefaultExchange = "mmate.rpc"

// Transport implements messaging.ClientTransport and messaging.ServerTransport
// on RabbitMQ. Requests go to a headers exchange carrying the routing tag
// flags as headers; replies go through the default exchange to the
// requester's exclusive reply queue.
type Transport struct {
	url    string
	cfg    *TransportConfig
	logger *slog.Logger

	mu         sync.Mutex
	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	topology   *rabbitmq.TopologyManager
	replyQueue string
	subs       []*rabbitmq.Subscription
}

var (
	_ messaging.ClientTransport = (*Transport)(nil)
	_ messaging.ServerTransport = (*Transport)(nil)
)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	QueuePrefix       string
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the headers exchange name
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		if name != "" {
			cfg.Exchange = name
		}
	}
}

// WithQueuePrefix sets the prefix of the shared domain queues
func WithQueuePrefix(prefix string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.QueuePrefix = prefix
	}
}

// WithLogger sets the logger used by the transport and its internals
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// NewTransport creates an unconnected RabbitMQ transport
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Exchange:    DefaultExchange,
		QueuePrefix: "rpc.",
		Logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Transport{
		url:    url,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Connect dials the broker, declares the headers exchange and the reply
// queue. It is a no-op on a live transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager != nil && t.manager.IsConnected() && t.pool != nil {
		return nil
	}
	t.teardownLocked()

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(t.url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return err
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(t.logger)}, t.cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	err = topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    t.cfg.Exchange,
		Type:    rabbitmq.ExchangeHeaders,
		Durable: true,
	})
	if err != nil {
		pool.Close()
		manager.Close()
		return err
	}

	q, err := topology.DeclareQueue(ctx, rabbitmq.ReplyQueue())
	if err != nil {
		pool.Close()
		manager.Close()
		return err
	}

	t.manager = manager
	t.pool = pool
	t.topology = topology
	t.publisher = rabbitmq.NewPublisher(pool, t.cfg.PublisherOptions...)
	t.consumer = rabbitmq.NewConsumer(manager, rabbitmq.WithConsumerLogger(t.logger))
	t.replyQueue = q.Name

	t.logger.Info("rabbitmq transport ready", "exchange", t.cfg.Exchange, "replyQueue", q.Name)
	return nil
}

// Close cancels every subscription and closes the connection. The broker
// deletes the exclusive reply queue with it.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.teardownLocked()
}

func (t *Transport) teardownLocked() error {
	for _, sub := range t.subs {
		if err := sub.Cancel(); err != nil {
			t.logger.Debug("subscription cancel failed", "queue", sub.Queue, "error", err)
		}
	}
	t.subs = nil

	if t.pool != nil {
		t.pool.Close()
		t.pool = nil
	}

	var err error
	if t.manager != nil {
		err = t.manager.Close()
		t.manager = nil
	}
	t.replyQueue = ""
	return err
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager != nil && t.manager.IsConnected()
}

// ReplyAddress returns the broker-named reply queue
func (t *Transport) ReplyAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyQueue
}

// Publish sends the frame to the headers exchange. The publish is confirmed
// by the broker; a frame no queue is bound for is accepted and dropped.
func (t *Transport) Publish(ctx context.Context, frame *messaging.Frame) error {
	publisher, err := t.livePublisher()
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, t.cfg.Exchange, "", ToPublishing(frame))
}

// Reply sends the frame through the default exchange to replyTo
func (t *Transport) Reply(ctx context.Context, replyTo string, frame *messaging.Frame) error {
	publisher, err := t.livePublisher()
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, "", replyTo, ToPublishing(frame))
}

// Replies consumes the reply queue with auto-ack
func (t *Transport) Replies(ctx context.Context) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	consumer, queue := t.consumer, t.replyQueue
	t.mu.Unlock()
	if consumer == nil || queue == "" {
		return nil, rabbitmq.ErrConnectionNotReady
	}

	sub, err := consumer.Subscribe(ctx, queue, rabbitmq.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return nil, err
	}
	t.track(sub)
	return t.pump(ctx, sub, true), nil
}

// Listen declares the durable queue of domain, binds it to the exchange for
// the domain flag and consumes it with manual acknowledgement
func (t *Transport) Listen(ctx context.Context, domain string, prefetch int) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	consumer, topology := t.consumer, t.topology
	t.mu.Unlock()
	if consumer == nil || topology == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}

	name := t.cfg.QueuePrefix + domain
	if _, err := topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: name, Durable: true}); err != nil {
		return nil, err
	}
	if err := topology.BindQueue(ctx, rabbitmq.DomainBinding(t.cfg.Exchange, name, domain)); err != nil {
		return nil, err
	}

	sub, err := consumer.Subscribe(ctx, name, rabbitmq.ConsumeOptions{PrefetchCount: prefetch})
	if err != nil {
		return nil, err
	}
	t.track(sub)
	return t.pump(ctx, sub, false), nil
}

func (t *Transport) livePublisher() (*rabbitmq.Publisher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publisher == nil || t.manager == nil || !t.manager.IsConnected() {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return t.publisher, nil
}

func (t *Transport) track(sub *rabbitmq.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, sub)
}

// pump adapts AMQP deliveries until ctx ends or the channel closes
func (t *Transport) pump(ctx context.Context, sub *rabbitmq.Subscription, autoAck bool) <-chan messaging.Delivery {
	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		in := sub.Deliveries()
		for {
			select {
			case <-ctx.Done():
				sub.Cancel()
				return
			case d, ok := <-in:
				if !ok {
					t.logger.Debug("delivery stream ended", "queue", sub.Queue)
					return
				}
				select {
				case out <- &delivery{d: d, autoAck: autoAck}:
				case <-ctx.Done():
					if !autoAck {
						d.Reject(true)
					}
					sub.Cancel()
					return
				}
			}
		}
	}()
	return out
}

// ToPublishing converts a frame to an AMQP message. Tag flags become
// headers so the headers exchange can route on them.
func ToPublishing(frame *messaging.Frame) amqp.Publishing {
	headers := make(amqp.Table, len(frame.Headers)+len(frame.Tag))
	for k, v := range frame.Headers {
		headers[k] = v
	}
	for _, flag := range frame.Tag.Flags() {
		headers[flag] = true
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   frame.ContentType,
		CorrelationId: frame.CorrelationID,
		ReplyTo:       frame.ReplyTo,
		DeliveryMode:  amqp.Transient,
		Timestamp:     ts,
		Body:          frame.Body,
	}
}

// delivery adapts amqp.Delivery to messaging.Delivery
type delivery struct {
	d       amqp.Delivery
	autoAck bool
}

func (d *delivery) CorrelationID() string { return d.d.CorrelationId }
func (d *delivery) ReplyTo() string       { return d.d.ReplyTo }
func (d *delivery) ContentType() string   { return d.d.ContentType }
func (d *delivery) Body() []byte          { return d.d.Body }

func (d *delivery) Headers() map[string]interface{} {
	return map[string]interface{}(d.d.Headers)
}

// Acknowledge acks the delivery. Deliveries consumed with auto-ack are
// already settled.
func (d *delivery) Acknowledge() error {
	if d.autoAck {
		return nil
	}
	return d.d.Ack(false)
}

// Reject rejects the delivery with optional requeue
func (d *delivery) Reject(requeue bool) error {
	if d.autoAck {
		return nil
	}
	return d.d.Reject(requeue)
}
