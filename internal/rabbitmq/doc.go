// Package rabbitmq provides the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the single AMQP connection, idempotent Connect/Close
//   - ChannelPool: confirm-mode channels borrowed per publish
//   - Publisher: publishes and waits for the broker confirmation
//   - Consumer: subscriptions on dedicated channels
//   - TopologyManager: headers exchange, worker queues, reply queues, bindings
package rabbitmq
