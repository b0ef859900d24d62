package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/gateway"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/monitor"
)

const (
	connectTimeout      = 10 * time.Second
	goroutineWarn       = 10000
	goroutineCritical   = 50000
	healthCheckInterval = 30 * time.Second
	queueBacklogWarn    = 1000
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		addr        string
		demoDomains []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Runs the HTTP gateway on top of one shared bridge. Calls arrive as
POST /rpc/:domain/:action and are answered with the collected replies.
With the memory transport, demo workers run in-process for --demo domains.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.serve(ctx, demoDomains)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "HTTP listen address (default from config)")
	cmd.Flags().StringSliceVar(&demoDomains, "demo", []string{"demo"}, "Domains answered in-process by demo workers (memory transport only)")
	return cmd
}

// serve runs the gateway until ctx is done
func (a *app) serve(ctx context.Context, demoDomains []string) error {
	cfg := a.cfg

	transport, err := a.newTransport()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	bridgeOpts, breaker := a.bridgeOptions(collector)

	b, err := bridge.New(transport, bridgeOpts...)
	if err != nil {
		return err
	}
	defer b.Close()

	// the supervisor keeps retrying when the broker is not up yet
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	if err := b.Connect(connectCtx); err != nil {
		a.logger.Warn("broker unavailable, will keep retrying", "transport", cfg.Transport, "error", err)
	}
	cancel()

	if cfg.Transport == config.TransportMemory && len(demoDomains) > 0 {
		workers, err := a.startDemoWorkers(ctx, demoDomains, collector)
		if err != nil {
			return err
		}
		defer stopWorkers(workers)
	}

	registry := a.healthRegistry(b, breaker)

	server := gateway.NewServer(b,
		gateway.WithLogger(a.logger),
		gateway.WithHealth(registry),
		gateway.WithMetrics(collector),
		gateway.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		gateway.WithMaxUploadBytes(cfg.HTTP.MaxUploadBytes),
	)

	supervisor := gateway.NewSupervisor(b, cfg.Bridge.ReconnectInterval.Std(), nil, a.logger)
	go supervisor.Run(ctx)
	go a.watchHealth(ctx, registry)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("gateway listening", "addr", cfg.HTTP.Addr, "transport", cfg.Transport)
		errCh <- server.Start(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("gateway shutdown failed", "error", err)
	}
	return nil
}

func (a *app) healthRegistry(b *bridge.Bridge, breaker *reliability.CircuitBreaker) *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.SetMetadata("transport", a.cfg.Transport)

	registry.Register(health.NewBrokerChecker("broker", b))
	registry.Register(health.NewPendingCallsChecker(b, a.cfg.HTTP.PendingWarn, a.cfg.Bridge.MaxPendingCalls))
	registry.Register(health.NewRuntimeChecker(goroutineWarn, goroutineCritical))

	if a.cfg.Transport == config.TransportRabbitMQ {
		if client, err := a.managementClient(); err != nil {
			a.logger.Warn("domain queue checks disabled", "error", err)
		} else {
			registry.Register(monitor.NewDomainQueuesChecker(client, a.cfg.RabbitMQ.QueuePrefix, queueBacklogWarn))
		}
	}

	if breaker != nil {
		registry.Register(health.NewComponentChecker("circuit_breaker", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
			state := breaker.State()
			details := map[string]interface{}{"state": state.String()}
			switch state {
			case reliability.StateOpen:
				return health.StatusUnhealthy, "publishing is suspended", details, nil
			case reliability.StateHalfOpen:
				return health.StatusDegraded, "probing the broker", details, nil
			default:
				return health.StatusHealthy, "closed", details, nil
			}
		}))
	}
	return registry
}

// watchHealth logs every status change of the registry
func (a *app) watchHealth(ctx context.Context, registry *health.Registry) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	last := health.StatusHealthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		overall := registry.CheckAll(ctx)
		if overall.Status != last {
			a.logger.Warn("health status changed", "from", last, "to", overall.Status)
			last = overall.Status
		}
	}
}
