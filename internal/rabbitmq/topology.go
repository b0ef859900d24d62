package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds used by the request path
const (
	ExchangeHeaders = "headers"
	ExchangeTopic   = "topic"
)

// TopologyManager manages exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// DeclareQueue declares a single queue and returns it with its final name
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		return nil
	})
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}

// ReplyQueue is the exclusive, broker-named queue a client receives its
// replies on. It disappears with the connection. It is not auto-delete, so
// cancelling its consumer leaves it in place for the next one.
func ReplyQueue() QueueDeclaration {
	return QueueDeclaration{
		Name:       "",
		Durable:    false,
		AutoDelete: false,
		Exclusive:  true,
	}
}

// DomainBinding binds a worker queue to the headers exchange so it receives
// every frame whose routing tag sets domain to true
func DomainBinding(exchange, queue, domain string) Binding {
	return Binding{
		Queue:    queue,
		Exchange: exchange,
		Arguments: amqp.Table{
			"x-match": "any",
			domain:    true,
		},
	}
}
