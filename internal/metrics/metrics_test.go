package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/bridge"
)

func TestCollector(t *testing.T) {
	t.Run("observer events update the collectors", func(t *testing.T) {
		c := NewCollector()

		c.CallFinished("attribute", bridge.OutcomeOK, 20*time.Millisecond)
		c.CallFinished("attribute", bridge.OutcomeOK, 40*time.Millisecond)
		c.CallFinished("attribute", bridge.OutcomeTimeout, time.Second)
		c.PendingChanged(3)
		c.ReplyDropped(bridge.DropUnknownToken)
		c.RateLimited("product")

		assert.Equal(t, 2.0, testutil.ToFloat64(c.calls.WithLabelValues("attribute", bridge.OutcomeOK)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("attribute", bridge.OutcomeTimeout)))
		assert.Equal(t, 3.0, testutil.ToFloat64(c.pending))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped.WithLabelValues(bridge.DropUnknownToken)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.limited.WithLabelValues("product")))
		assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
	})

	t.Run("handler exposes the registry", func(t *testing.T) {
		c := NewCollector()
		c.ReplyDropped(bridge.DropMalformed)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `mmate_rpc_replies_dropped_total{reason="malformed"} 1`)
		assert.Contains(t, body, "mmate_rpc_pending_calls 0")
		assert.Contains(t, body, "go_goroutines")
	})

	t.Run("worker requests", func(t *testing.T) {
		c := NewCollector()
		c.RequestHandled("attribute", "get", 200, 5*time.Millisecond)
		c.RequestHandled("attribute", "get", 404, time.Millisecond)
		c.RequestHandled("attribute", "get", 200, time.Millisecond)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("attribute", "get", "200")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("attribute", "get", "404")))
		assert.Equal(t, 1, testutil.CollectAndCount(c.handling))
	})

	t.Run("collectors are independent per instance", func(t *testing.T) {
		a, b := NewCollector(), NewCollector()
		a.PendingChanged(5)
		assert.Equal(t, 0.0, testutil.ToFloat64(b.pending))
		assert.NotSame(t, a.Registry(), b.Registry())
	})
}
