package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ up atomic.Bool }

func (f *fakeConn) IsConnected() bool { return f.up.Load() }

type fakePending int

func (f fakePending) PendingCount() int { return int(f) }

func TestBrokerChecker(t *testing.T) {
	conn := &fakeConn{}
	c := NewBrokerChecker("rabbitmq", conn)
	assert.Equal(t, "rabbitmq", c.Name())

	result := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, false, result.Details["connected"])

	conn.up.Store(true)
	result = c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestPendingCallsChecker(t *testing.T) {
	tests := []struct {
		pending int
		want    Status
	}{
		{0, StatusHealthy},
		{80, StatusHealthy},
		{81, StatusDegraded},
		{100, StatusUnhealthy},
		{150, StatusUnhealthy},
	}
	for _, tt := range tests {
		result := NewPendingCallsChecker(fakePending(tt.pending), 80, 100).Check(context.Background())
		assert.Equal(t, tt.want, result.Status, "pending=%d", tt.pending)
		assert.Equal(t, tt.pending, result.Details["pending"])
	}

	t.Run("zero thresholds are ignored", func(t *testing.T) {
		result := NewPendingCallsChecker(fakePending(1_000_000), 0, 0).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
	})
}

func TestRuntimeChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(1_000_000, 2_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)

	result := NewRuntimeChecker(0, 1_000_000).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Contains(t, result.Details, "goroutines")
}

func TestRegistry(t *testing.T) {
	component := func(name string, status Status, err error) *ComponentChecker {
		return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			return status, string(status), nil, err
		})
	}

	t.Run("empty registry is healthy", func(t *testing.T) {
		h := NewRegistry().CheckAll(context.Background())
		assert.Equal(t, StatusHealthy, h.Status)
		assert.Empty(t, h.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(component("a", StatusHealthy, nil))
		r.Register(component("b", StatusDegraded, nil))
		r.SetMetadata("version", "test")

		h := r.CheckAll(context.Background())
		assert.Equal(t, StatusDegraded, h.Status)
		assert.Len(t, h.Checks, 2)
		assert.Equal(t, "test", h.Metadata["version"])

		r.Register(component("c", StatusUnhealthy, errors.New("down")))
		h = r.CheckAll(context.Background())
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.Equal(t, "down", h.Checks["c"].Error)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.CheckAll(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(component("fast", StatusHealthy, nil))
		r.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return StatusHealthy, "late", nil, nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		h := r.CheckAll(ctx)

		assert.Equal(t, StatusUnhealthy, h.Status)
		require.Contains(t, h.Checks, "slow")
		assert.Equal(t, "Check timed out", h.Checks["slow"].Message)
	})

	t.Run("http status", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, StatusHealthy.HTTPStatus())
		assert.Equal(t, http.StatusOK, StatusDegraded.HTTPStatus())
		assert.Equal(t, http.StatusServiceUnavailable, StatusUnhealthy.HTTPStatus())
	})
}
