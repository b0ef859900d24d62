package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/glimte/mmate-rpc/worker"
)

type env struct {
	broker  *memory.Broker
	bridge  *bridge.Bridge
	metrics *metrics.Collector
	server  *Server
}

func newEnv(t *testing.T, opts ...ServerOption) *env {
	t.Helper()
	broker := memory.NewBroker()
	collector := metrics.NewCollector()

	b, err := bridge.Open(context.Background(), memory.NewTransport(broker), bridge.WithObserver(collector))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker("broker", b))
	registry.Register(health.NewPendingCallsChecker(b, 80, 100))

	opts = append([]ServerOption{WithHealth(registry), WithMetrics(collector)}, opts...)
	return &env{broker: broker, bridge: b, metrics: collector, server: NewServer(b, opts...)}
}

func (e *env) worker(t *testing.T, domain string, handlers map[string]worker.HandlerFunc) {
	t.Helper()
	w, err := worker.New(memory.NewTransport(e.broker), domain)
	require.NoError(t, err)
	for action, fn := range handlers {
		require.NoError(t, w.Handle(action, fn))
	}
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })
}

func (e *env) do(req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func (e *env) post(target, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func attributeHandlers() map[string]worker.HandlerFunc {
	return map[string]worker.HandlerFunc{
		"get_attribute_by_name": func(ctx context.Context, req *worker.Request) (any, error) {
			var q struct {
				AttributeName string `json:"attribute_name"`
			}
			if err := req.Bind(&q); err != nil {
				return nil, err
			}
			if q.AttributeName != "color" {
				return nil, worker.NotFound(errors.New("attribute not found"))
			}
			return []map[string]any{{"name": "color"}}, nil
		},
		"update": func(ctx context.Context, req *worker.Request) (any, error) {
			return "attribute updated", nil
		},
		"store": func(ctx context.Context, req *worker.Request) (any, error) {
			return map[string]any{"size": len(req.Data), "meta": req.Body}, nil
		},
	}
}

func TestCall(t *testing.T) {
	e := newEnv(t)
	e.worker(t, "attribute", attributeHandlers())
	e.worker(t, "product", map[string]worker.HandlerFunc{
		"update": func(ctx context.Context, req *worker.Request) (any, error) {
			return "product updated", nil
		},
	})

	t.Run("single domain success", func(t *testing.T) {
		rec, body := e.post("/rpc/attribute/get_attribute_by_name", `{"attribute_name":"color"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []any{map[string]any{"name": "color"}}, body["message"])
	})

	t.Run("worker failure keeps its status", func(t *testing.T) {
		rec, body := e.post("/rpc/attribute/get_attribute_by_name", `{"attribute_name":"size"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, body["error"], "attribute not found")
	})

	t.Run("unknown action is 404 from the worker", func(t *testing.T) {
		rec, _ := e.post("/rpc/attribute/explode", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("flags fan out to more domains", func(t *testing.T) {
		rec, body := e.post("/rpc/attribute/update?flags=product", `{"id":1}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var replies contracts.Replies
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replies))
		assert.Equal(t, []string{"attribute", "product"}, replies.Domains())
		assert.Equal(t, "product updated", replies["product"].Message)
		assert.Len(t, body, 2)
	})

	t.Run("no bound worker is 504 with an empty mapping", func(t *testing.T) {
		start := time.Now()
		rec, body := e.post("/rpc/inventory/get?timeout=100ms", "")
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.EqualValues(t, 1, body["expected"])
		assert.EqualValues(t, 0, body["received"])
	})

	t.Run("expect above the reply count times out with partial replies", func(t *testing.T) {
		rec, body := e.post("/rpc/attribute/update?expect=2&timeout=100ms", "")
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.EqualValues(t, 1, body["received"])
		assert.Contains(t, body["replies"], "attribute")
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, target := range []string{
			"/rpc/attribute/update?expect=0",
			"/rpc/attribute/update?expect=many",
			"/rpc/attribute/update?timeout=soon",
			"/rpc/attribute/update?timeout=-1s",
		} {
			rec, _ := e.post(target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}

		rec, _ := e.post("/rpc/attribute/update", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("calls are counted", func(t *testing.T) {
		rec, _ := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `mmate_rpc_calls_total{domain="attribute",outcome="ok"}`)
		assert.Contains(t, rec.Body.String(), `mmate_rpc_calls_total{domain="inventory",outcome="timeout"} 1`)
	})
}

func TestUpload(t *testing.T) {
	e := newEnv(t, WithMaxUploadBytes(1024))
	e.worker(t, "attribute", attributeHandlers())

	upload := func(data []byte, meta string) *http.Request {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "swatch.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
		if meta != "" {
			require.NoError(t, mw.WriteField("body", meta))
		}
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/rpc/attribute/store/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req
	}

	t.Run("file travels as a binary call", func(t *testing.T) {
		rec, body := e.do(upload([]byte("0123456789"), `{"attribute":"color"}`))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		msg := body["message"].(map[string]any)
		assert.EqualValues(t, 10, msg["size"])
		meta := msg["meta"].(map[string]any)
		assert.Equal(t, "swatch.png", meta["filename"])
		assert.Equal(t, map[string]any{"attribute": "color"}, meta["body"])
	})

	t.Run("missing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rpc/attribute/store/upload", strings.NewReader(""))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		rec, _ := e.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("body field must be JSON", func(t *testing.T) {
		rec, _ := e.do(upload([]byte("x"), "{oops"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized upload is refused", func(t *testing.T) {
		rec, _ := e.do(upload(bytes.Repeat([]byte("x"), 4096), ""))
		assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, rec.Code)
	})
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, WithRateLimit(0.5, 1))
	e.worker(t, "attribute", attributeHandlers())
	e.worker(t, "product", map[string]worker.HandlerFunc{
		"update": func(ctx context.Context, req *worker.Request) (any, error) { return "ok", nil },
	})

	rec, _ := e.post("/rpc/attribute/update", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.post("/rpc/attribute/update", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec, _ = e.post("/rpc/product/update", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `mmate_rpc_requests_rate_limited_total{domain="attribute"} 1`)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	require.NoError(t, e.bridge.Close())

	rec, body = e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])

	rec, _ = e.post("/rpc/attribute/update", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{&bridge.TimeoutError{}, http.StatusGatewayTimeout},
		{bridge.ErrCancelled, http.StatusServiceUnavailable},
		{bridge.ErrTooManyPending, http.StatusServiceUnavailable},
		{&bridge.TransportError{Op: "publish", Err: bridge.ErrNotConnected}, http.StatusServiceUnavailable},
		{&bridge.TransportError{Op: "publish", Err: &reliability.CircuitBreakerError{State: reliability.StateOpen}}, http.StatusServiceUnavailable},
		{&bridge.TransportError{Op: "publish", Err: errors.New("channel closed")}, http.StatusBadGateway},
		{&bridge.TransportError{Op: "receive", Err: bridge.ErrReplyStreamClosed}, http.StatusBadGateway},
		{contracts.ErrEmptyRoutingTag, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", contracts.ErrMissingAction), http.StatusBadRequest},
		{context.Canceled, StatusClientClosedRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestDomainLimiter(t *testing.T) {
	now := time.Now()

	t.Run("disabled limiter allows everything", func(t *testing.T) {
		var l *DomainLimiter = NewDomainLimiter(0, 10, 0)
		assert.Nil(t, l)
		assert.True(t, l.Allow("attribute", now))
		assert.Zero(t, l.RetryAfter())
		assert.Zero(t, l.Len())
	})

	t.Run("buckets are per domain", func(t *testing.T) {
		l := NewDomainLimiter(1, 2, 0)
		assert.True(t, l.Allow("a", now))
		assert.True(t, l.Allow("a", now))
		assert.False(t, l.Allow("a", now))
		assert.True(t, l.Allow("b", now))
		assert.True(t, l.Allow("a", now.Add(time.Second)))
		assert.True(t, l.Allow("", now))
		assert.Equal(t, time.Second, l.RetryAfter())
	})

	t.Run("idle buckets are evicted", func(t *testing.T) {
		l := NewDomainLimiter(1000, 1000, time.Minute)
		l.Allow("stale", now)
		for i := 0; i < 511; i++ {
			l.Allow("live", now.Add(2*time.Minute))
		}
		assert.Equal(t, 1, l.Len())
	})
}

type flappingConn struct {
	connected atomic.Bool
	failures  atomic.Int32
	attempts  atomic.Int32
}

func (f *flappingConn) IsConnected() bool { return f.connected.Load() }

func (f *flappingConn) Connect(ctx context.Context) error {
	if f.attempts.Add(1) <= f.failures.Load() {
		return errors.New("connection refused")
	}
	f.connected.Store(true)
	return nil
}

func TestSupervisor(t *testing.T) {
	t.Run("reconnects after failures", func(t *testing.T) {
		conn := &flappingConn{}
		conn.failures.Store(2)
		s := NewSupervisor(conn, 10*time.Millisecond, reliability.NewFixedDelay(5*time.Millisecond, 5), nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.Run(ctx)

		assert.Eventually(t, conn.IsConnected, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), conn.attempts.Load())
	})

	t.Run("restores a severed bridge", func(t *testing.T) {
		broker := memory.NewBroker()
		b, err := bridge.Open(context.Background(), memory.NewTransport(broker))
		require.NoError(t, err)
		defer b.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go NewSupervisor(b, 10*time.Millisecond, reliability.NewFixedDelay(5*time.Millisecond, 3), nil).Run(ctx)

		broker.Sever()
		assert.False(t, b.IsConnected())
		assert.Eventually(t, b.IsConnected, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, broker.QueueCount())
	})

	t.Run("stops with its context", func(t *testing.T) {
		conn := &flappingConn{}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			NewSupervisor(conn, time.Hour, nil, nil).Run(ctx)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("supervisor did not stop")
		}
	})
}
