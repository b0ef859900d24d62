// Package kafka implements the messaging transport contract on Kafka with
// segmentio/kafka-go. Routing flags map to topics, workers of one domain
// share a consumer group, and every client reads its own reply topic.
package kafka
