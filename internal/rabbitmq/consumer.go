package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeOptions configures one subscription
type ConsumeOptions struct {
	PrefetchCount int
	AutoAck       bool
	Exclusive     bool
}

// Subscription is an active consumer on a dedicated channel
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
	once       sync.Once
}

// Deliveries returns the delivery stream. It is closed when the
// subscription is cancelled or the connection drops.
func (s *Subscription) Deliveries() <-chan amqp.Delivery {
	return s.deliveries
}

// Cancel stops the consumer and closes its channel
func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		if s.channel.IsClosed() {
			return
		}
		if cancelErr := s.channel.Cancel(s.ConsumerTag, false); cancelErr != nil {
			err = &ConsumerError{Queue: s.Queue, ConsumerTag: s.ConsumerTag, Op: "cancel", Err: cancelErr, Timestamp: time.Now()}
		}
		if closeErr := s.channel.Close(); closeErr != nil && err == nil && closeErr != amqp.ErrClosed {
			err = closeErr
		}
		s.logger.Debug("consumer stopped", "queue", s.Queue, "consumerTag", s.ConsumerTag)
	})
	return err
}

// Consumer opens subscriptions on their own channels. Consuming never
// shares a channel with publishing.
type Consumer struct {
	manager *ConnectionManager
	logger  *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, opts ConsumeOptions) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	tag := "mmate-rpc-" + uuid.New().String()[:8]
	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", opts.PrefetchCount,
	)

	return &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		deliveries:  deliveries,
		logger:      c.logger,
	}, nil
}
