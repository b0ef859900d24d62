package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

func TestNewTransport(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tr := NewTransport("amqp://localhost:5672")

		assert.Equal(t, DefaultExchange, tr.cfg.Exchange)
		assert.Equal(t, "rpc.", tr.cfg.QueuePrefix)
		assert.False(t, tr.IsConnected())
		assert.Empty(t, tr.ReplyAddress())
	})

	t.Run("options", func(t *testing.T) {
		tr := NewTransport("amqp://localhost:5672",
			WithExchange("gateway.rpc"),
			WithQueuePrefix("svc."),
			WithExchange(""),
			WithConnectionOptions(rabbitmq.WithDialTimeout(time.Second)),
			WithPoolOptions(rabbitmq.WithMaxSize(4)),
			WithPublisherOptions(rabbitmq.WithConfirmTimeout(time.Second)),
		)

		assert.Equal(t, "gateway.rpc", tr.cfg.Exchange)
		assert.Equal(t, "svc.", tr.cfg.QueuePrefix)
		assert.Len(t, tr.cfg.ConnectionOptions, 1)
		assert.Len(t, tr.cfg.PoolOptions, 1)
		assert.Len(t, tr.cfg.PublisherOptions, 1)
	})
}

func TestTransportWithoutBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("Connect to an invalid URL fails with ConnectionError", func(t *testing.T) {
		tr := NewTransport("invalid://url")
		err := tr.Connect(ctx)

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.False(t, tr.IsConnected())
	})

	t.Run("Close is safe when never connected", func(t *testing.T) {
		tr := NewTransport("amqp://localhost:5672")
		assert.NoError(t, tr.Close())
		assert.NoError(t, tr.Close())
	})

	t.Run("operations report not ready", func(t *testing.T) {
		tr := NewTransport("amqp://localhost:5672")

		assert.ErrorIs(t, tr.Publish(ctx, &messaging.Frame{}), rabbitmq.ErrConnectionNotReady)
		assert.ErrorIs(t, tr.Reply(ctx, "amq.gen-1", &messaging.Frame{}), rabbitmq.ErrConnectionNotReady)

		_, err := tr.Replies(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
		_, err = tr.Listen(ctx, "attribute", 1)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	})
}

func TestToPublishing(t *testing.T) {
	t.Run("tag flags become headers", func(t *testing.T) {
		ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		msg := ToPublishing(&messaging.Frame{
			CorrelationID: "corr-1",
			ReplyTo:       "amq.gen-abc",
			Tag:           contracts.RoutingTag{"attribute": true, "product": true, "off": false},
			ContentType:   contracts.ContentTypeJSON,
			Body:          []byte(`{"attribute":{}}`),
			Headers:       map[string]interface{}{messaging.HeaderEnvelope: []byte("side")},
			Timestamp:     ts,
		})

		assert.Equal(t, "corr-1", msg.CorrelationId)
		assert.Equal(t, "amq.gen-abc", msg.ReplyTo)
		assert.Equal(t, contracts.ContentTypeJSON, msg.ContentType)
		assert.Equal(t, amqp.Transient, msg.DeliveryMode)
		assert.Equal(t, ts, msg.Timestamp)
		assert.Equal(t, true, msg.Headers["attribute"])
		assert.Equal(t, true, msg.Headers["product"])
		assert.NotContains(t, msg.Headers, "off")
		assert.Equal(t, []byte("side"), msg.Headers[messaging.HeaderEnvelope])
		assert.NoError(t, msg.Headers.Validate())
	})

	t.Run("reply frame has no tag headers", func(t *testing.T) {
		msg := ToPublishing(&messaging.Frame{
			CorrelationID: "corr-2",
			Headers:       map[string]interface{}{messaging.HeaderDomain: "attribute"},
		})

		assert.Len(t, msg.Headers, 1)
		assert.False(t, msg.Timestamp.IsZero())
	})
}

func TestDeliveryAdapter(t *testing.T) {
	raw := amqp.Delivery{
		CorrelationId: "corr-3",
		ReplyTo:       "amq.gen-xyz",
		ContentType:   contracts.ContentTypeCBOR,
		Body:          []byte{0xa0},
		Headers:       amqp.Table{messaging.HeaderDomain: "attribute"},
	}

	t.Run("exposes AMQP properties", func(t *testing.T) {
		d := &delivery{d: raw}

		assert.Equal(t, "corr-3", d.CorrelationID())
		assert.Equal(t, "amq.gen-xyz", d.ReplyTo())
		assert.Equal(t, contracts.ContentTypeCBOR, d.ContentType())
		assert.Equal(t, []byte{0xa0}, d.Body())
		assert.Equal(t, "attribute", messaging.HeaderString(d.Headers(), messaging.HeaderDomain))
	})

	t.Run("auto-ack deliveries settle as no-ops", func(t *testing.T) {
		d := &delivery{d: raw, autoAck: true}
		assert.NoError(t, d.Acknowledge())
		assert.NoError(t, d.Reject(false))
	})
}
