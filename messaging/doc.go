// Package messaging defines the transport contract shared by the bridge, the
// worker responder and the broker adapters.
//
// A ClientTransport publishes frames tagged with a contracts.RoutingTag and
// receives replies on an exclusive reply address. A ServerTransport consumes
// the requests bound to one domain and answers on the requester's reply
// address. Adapters live under transports/ (rabbitmq, kafka, memory).
package messaging
