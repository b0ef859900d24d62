package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("negative max attempts retries forever", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)
		retry, _ := eb.ShouldRetry(1000, errors.New("test"))
		assert.True(t, retry)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
		}
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)
		retry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad request")))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil on first success", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries until success", func(t *testing.T) {
		var calls int32
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		last := errors.New("still down")
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			return last
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, last)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		var calls int32
		base := errors.New("invalid")
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			atomic.AddInt32(&calls, 1)
			return Permanent(base)
		})

		assert.ErrorIs(t, err, base)
		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.False(t, IsRetryable(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("context cancellation interrupts the wait", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		err := Retry(cctx, NewFixedDelay(time.Hour, 5), func() error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Permanent(nil) is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
		assert.False(t, IsRetryable(nil))
	})
}
