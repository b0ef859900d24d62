// Package rabbitmq adapts internal/rabbitmq to the messaging transport
// contract.
//
// Wire layout:
//
//	request  -> exchange "mmate.rpc" (headers), headers {<flag>: true, ...},
//	            properties correlation_id, reply_to, content_type
//	worker   <- durable queue "rpc.<domain>" bound with {x-match: any, <domain>: true}
//	reply    -> default exchange, routing key = reply_to
//	client   <- exclusive, auto-delete, server-named reply queue
package rabbitmq
