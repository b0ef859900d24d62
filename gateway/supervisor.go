package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
)

// Connector is a connection the supervisor keeps alive
type Connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Supervisor reconnects the shared bridge after the broker connection is
// lost. Calls made while it is down fail fast with a transport error.
type Supervisor struct {
	conn     Connector
	interval time.Duration
	policy   reliability.RetryPolicy
	logger   *slog.Logger
}

// NewSupervisor checks conn every interval and reconnects with policy
func NewSupervisor(conn Connector, interval time.Duration, policy reliability.RetryPolicy, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if policy == nil {
		policy = reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, -1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{conn: conn, interval: interval, policy: policy, logger: logger}
}

// Run blocks until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.conn.IsConnected() {
			continue
		}

		s.logger.Warn("broker connection lost, reconnecting")
		attempt := 0
		err := reliability.Retry(ctx, s.policy, func() error {
			attempt++
			err := s.conn.Connect(ctx)
			if err != nil {
				s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("giving up reconnecting until next check", "attempts", attempt, "error", err)
			}
			continue
		}
		s.logger.Info("reconnected to broker", "attempts", attempt)
	}
}
