package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

// flakyTransport fails the first failures replies
type flakyTransport struct {
	*memory.Transport
	failures int32
	attempts atomic.Int32
}

func (f *flakyTransport) Reply(ctx context.Context, replyTo string, frame *messaging.Frame) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("channel closed")
	}
	return f.Transport.Reply(ctx, replyTo, frame)
}

func startWorker(t *testing.T, transport messaging.ServerTransport, domain string, handlers map[string]HandlerFunc, opts ...WorkerOption) *Worker {
	t.Helper()
	w, err := New(transport, domain, opts...)
	require.NoError(t, err)
	for action, fn := range handlers {
		require.NoError(t, w.Handle(action, fn))
	}
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Close() })
	return w
}

func call(t *testing.T, broker *memory.Broker, domain, action string, body any) contracts.Payload {
	t.Helper()
	b, err := bridge.Open(context.Background(), memory.NewTransport(broker))
	require.NoError(t, err)
	defer b.Close()

	replies, err := b.Publish(context.Background(),
		contracts.NewEnvelope(domain, action, body),
		contracts.NewRoutingTag(domain),
		bridge.WithTimeout(5*time.Second),
	)
	require.NoError(t, err)
	require.Contains(t, replies, domain)
	return replies[domain]
}

func echoHandler(ctx context.Context, req *Request) (any, error) {
	return req.Body, nil
}

func TestWorkerRegistration(t *testing.T) {
	t.Run("New validates arguments", func(t *testing.T) {
		_, err := New(nil, "attribute")
		assert.Error(t, err)

		_, err = New(memory.NewTransport(memory.NewBroker()), "")
		assert.Error(t, err)
	})

	t.Run("Handle rejects bad registrations", func(t *testing.T) {
		w, err := New(memory.NewTransport(memory.NewBroker()), "attribute")
		require.NoError(t, err)

		assert.Error(t, w.Handle("", echoHandler))
		assert.Error(t, w.Handle("get", nil))
		require.NoError(t, w.Handle("get", echoHandler))
		assert.Error(t, w.Handle("get", echoHandler))
		require.NoError(t, w.Handle("delete", echoHandler))

		assert.Equal(t, []string{"delete", "get"}, w.Actions())
		assert.Equal(t, "attribute", w.Domain())
	})

	t.Run("Start requires handlers", func(t *testing.T) {
		w, err := New(memory.NewTransport(memory.NewBroker()), "attribute")
		require.NoError(t, err)
		assert.Error(t, w.Start(context.Background()))
		assert.False(t, w.IsRunning())
	})

	t.Run("lifecycle errors", func(t *testing.T) {
		broker := memory.NewBroker()
		w := startWorker(t, memory.NewTransport(broker), "attribute", map[string]HandlerFunc{"get": echoHandler})

		assert.True(t, w.IsRunning())
		assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)
		assert.ErrorIs(t, w.Handle("put", echoHandler), ErrAlreadyRunning)
		assert.Equal(t, []string{"rpc.attribute"}, broker.Bindings("attribute"))

		require.NoError(t, w.Stop())
		assert.ErrorIs(t, w.Stop(), ErrNotRunning)
		assert.False(t, w.IsRunning())

		require.NoError(t, w.Close())
		assert.False(t, w.transport.IsConnected())
	})
}

func TestWorkerDispatch(t *testing.T) {
	broker := memory.NewBroker()
	startWorker(t, memory.NewTransport(broker), "attribute", map[string]HandlerFunc{
		"echo": echoHandler,
		"get_attribute_by_name": func(ctx context.Context, req *Request) (any, error) {
			var q struct {
				AttributeName string `json:"attribute_name"`
			}
			if err := req.Bind(&q); err != nil {
				return nil, err
			}
			if q.AttributeName != "color" {
				return nil, NotFound(errors.New("no such attribute"))
			}
			return map[string]any{"name": q.AttributeName, "values": []string{"red", "blue"}}, nil
		},
		"create": func(ctx context.Context, req *Request) (any, error) {
			return contracts.OK(http.StatusCreated, "created"), nil
		},
		"fail": func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("database unavailable")
		},
		"teapot": func(ctx context.Context, req *Request) (any, error) {
			return nil, Errorf(http.StatusTeapot, "short and %s", "stout")
		},
		"panic": func(ctx context.Context, req *Request) (any, error) {
			panic("boom")
		},
	})

	t.Run("echo returns the body", func(t *testing.T) {
		p := call(t, broker, "attribute", "echo", "hello")
		assert.True(t, p.Success)
		assert.Equal(t, http.StatusOK, p.StatusCode)
		assert.Equal(t, "hello", p.Message)
	})

	t.Run("Bind decodes a typed body", func(t *testing.T) {
		p := call(t, broker, "attribute", "get_attribute_by_name", map[string]any{"attribute_name": "color"})
		require.True(t, p.Success)
		msg := p.Message.(map[string]any)
		assert.Equal(t, "color", msg["name"])
	})

	t.Run("StatusError keeps its code", func(t *testing.T) {
		p := call(t, broker, "attribute", "get_attribute_by_name", map[string]any{"attribute_name": "size"})
		assert.False(t, p.Success)
		assert.Equal(t, http.StatusNotFound, p.StatusCode)
		assert.Contains(t, p.Error, "no such attribute")

		p = call(t, broker, "attribute", "teapot", nil)
		assert.Equal(t, http.StatusTeapot, p.StatusCode)
		assert.Contains(t, p.Error, "short and stout")
	})

	t.Run("missing body is a bad request", func(t *testing.T) {
		p := call(t, broker, "attribute", "get_attribute_by_name", nil)
		assert.Equal(t, http.StatusBadRequest, p.StatusCode)
	})

	t.Run("payload results are sent unchanged", func(t *testing.T) {
		p := call(t, broker, "attribute", "create", nil)
		assert.True(t, p.Success)
		assert.Equal(t, http.StatusCreated, p.StatusCode)
	})

	t.Run("plain errors are 500", func(t *testing.T) {
		p := call(t, broker, "attribute", "fail", nil)
		assert.False(t, p.Success)
		assert.Equal(t, http.StatusInternalServerError, p.StatusCode)
		assert.Equal(t, "database unavailable", p.Error)
	})

	t.Run("panics are 500 and the worker keeps serving", func(t *testing.T) {
		p := call(t, broker, "attribute", "panic", nil)
		assert.Equal(t, http.StatusInternalServerError, p.StatusCode)

		p = call(t, broker, "attribute", "echo", "still here")
		assert.Equal(t, "still here", p.Message)
	})

	t.Run("unknown action is 404", func(t *testing.T) {
		p := call(t, broker, "attribute", "nope", nil)
		assert.False(t, p.Success)
		assert.Equal(t, http.StatusNotFound, p.StatusCode)
		assert.Contains(t, p.Error, "nope")
	})
}

// rawClient publishes hand-built frames and reads the raw reply frames
type rawClient struct {
	transport *memory.Transport
	replies   <-chan messaging.Delivery
}

func newRawClient(t *testing.T, broker *memory.Broker) *rawClient {
	t.Helper()
	tr := memory.NewTransport(broker)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	replies, err := tr.Replies(context.Background())
	require.NoError(t, err)
	return &rawClient{transport: tr, replies: replies}
}

func (c *rawClient) send(t *testing.T, frame *messaging.Frame) messaging.Delivery {
	t.Helper()
	frame.ReplyTo = c.transport.ReplyAddress()
	require.NoError(t, c.transport.Publish(context.Background(), frame))
	select {
	case d := <-c.replies:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func TestWorkerWireFormat(t *testing.T) {
	broker := memory.NewBroker()
	startWorker(t, memory.NewTransport(broker), "files", map[string]HandlerFunc{
		"echo": echoHandler,
		"upload": func(ctx context.Context, req *Request) (any, error) {
			if !req.IsBinary() {
				return nil, BadRequest(errors.New("expected binary payload"))
			}
			return map[string]any{"size": len(req.Data), "meta": req.Body}, nil
		},
	})
	client := newRawClient(t, broker)
	tag := contracts.NewRoutingTag("files")

	t.Run("reply carries the correlation id and domain", func(t *testing.T) {
		body, err := contracts.JSON.Marshal(contracts.NewEnvelope("files", "echo", "x"))
		require.NoError(t, err)

		d := client.send(t, &messaging.Frame{CorrelationID: "tok-1", Tag: tag, ContentType: contracts.ContentTypeJSON, Body: body})

		assert.Equal(t, "tok-1", d.CorrelationID())
		assert.Equal(t, "files", messaging.HeaderString(d.Headers(), messaging.HeaderDomain))
		replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
		require.NoError(t, err)
		assert.Equal(t, "x", replies["files"].Message)
	})

	t.Run("CBOR requests get CBOR replies", func(t *testing.T) {
		body, err := contracts.CBOR.Marshal(contracts.NewEnvelope("files", "echo", "y"))
		require.NoError(t, err)

		d := client.send(t, &messaging.Frame{CorrelationID: "tok-2", Tag: tag, ContentType: contracts.ContentTypeCBOR, Body: body})

		assert.Equal(t, contracts.ContentTypeCBOR, d.ContentType())
		replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
		require.NoError(t, err)
		assert.Equal(t, "y", replies["files"].Message)
	})

	t.Run("binary requests expose the raw body", func(t *testing.T) {
		side, err := contracts.JSON.Marshal(contracts.NewEnvelope("files", "upload", map[string]any{"name": "a.bin"}))
		require.NoError(t, err)

		d := client.send(t, &messaging.Frame{
			CorrelationID: "tok-3",
			Tag:           tag,
			ContentType:   contracts.ContentTypeBinary,
			Body:          []byte{1, 2, 3, 4, 5},
			Headers: map[string]interface{}{
				messaging.HeaderEnvelope:            side,
				messaging.HeaderEnvelopeContentType: contracts.ContentTypeJSON,
			},
		})

		replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
		require.NoError(t, err)
		require.True(t, replies["files"].Success)
		msg := replies["files"].Message.(map[string]any)
		assert.EqualValues(t, 5, msg["size"])
		assert.Equal(t, map[string]any{"name": "a.bin"}, msg["meta"])
	})

	t.Run("undecodable request is answered with 400", func(t *testing.T) {
		d := client.send(t, &messaging.Frame{CorrelationID: "tok-4", Tag: tag, ContentType: contracts.ContentTypeJSON, Body: []byte("{{")})

		replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, replies["files"].StatusCode)
	})

	t.Run("envelope without this domain is answered with 400", func(t *testing.T) {
		body, err := contracts.JSON.Marshal(contracts.NewEnvelope("other", "echo", nil))
		require.NoError(t, err)

		d := client.send(t, &messaging.Frame{CorrelationID: "tok-5", Tag: tag, ContentType: contracts.ContentTypeJSON, Body: body})

		replies, err := contracts.DecodeReplies(d.ContentType(), d.Body())
		require.NoError(t, err)
		assert.False(t, replies["files"].Success)
		assert.Equal(t, http.StatusBadRequest, replies["files"].StatusCode)
	})
}

func TestWorkerReplyRetry(t *testing.T) {
	t.Run("transient reply failures are retried", func(t *testing.T) {
		broker := memory.NewBroker()
		flaky := &flakyTransport{Transport: memory.NewTransport(broker), failures: 2}
		startWorker(t, flaky, "attribute", map[string]HandlerFunc{"echo": echoHandler},
			WithRetryPolicy(reliability.NewFixedDelay(10*time.Millisecond, 3)))

		p := call(t, broker, "attribute", "echo", "retried")
		assert.Equal(t, "retried", p.Message)
		assert.Equal(t, int32(3), flaky.attempts.Load())
	})

	t.Run("exhausted retries drop the reply", func(t *testing.T) {
		broker := memory.NewBroker()
		flaky := &flakyTransport{Transport: memory.NewTransport(broker), failures: 100}
		startWorker(t, flaky, "attribute", map[string]HandlerFunc{"echo": echoHandler},
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))

		b, err := bridge.Open(context.Background(), memory.NewTransport(broker))
		require.NoError(t, err)
		defer b.Close()

		_, err = b.Publish(context.Background(), contracts.NewEnvelope("attribute", "echo", nil),
			contracts.NewRoutingTag("attribute"), bridge.WithTimeout(300*time.Millisecond))
		assert.ErrorIs(t, err, bridge.ErrTimeout)
		assert.Equal(t, int32(3), flaky.attempts.Load())
		assert.Equal(t, 0, broker.Depth("rpc.attribute"))
	})
}

func TestStatusError(t *testing.T) {
	base := errors.New("missing")

	err := NotFound(base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, http.StatusNotFound, statusOf(err))
	assert.Equal(t, http.StatusBadRequest, statusOf(BadRequest(base)))
	assert.Equal(t, http.StatusInternalServerError, statusOf(base))
	assert.Equal(t, http.StatusInternalServerError, statusOf(&StatusError{Err: base}))
	assert.Equal(t, "status 404: missing", err.Error())
}
