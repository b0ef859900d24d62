package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/worker"
)

func newWorkerCmd(opts *globalOptions) *cobra.Command {
	var (
		domains     []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run demo workers answering echo and ping",
		Long: `Runs one demo worker per domain. The echo action returns the request body,
or a summary of the payload for binary calls; ping reports the worker's
domain and clock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			workers, err := a.startDemoWorkers(ctx, domains, collector)
			if err != nil {
				return err
			}
			defer stopWorkers(workers)

			if metricsAddr != "" {
				e := echo.New()
				e.HideBanner = true
				e.HidePort = true
				e.GET("/metrics", echo.WrapHandler(collector.Handler()))
				go func() {
					if err := e.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics endpoint failed", "addr", metricsAddr, "error", err)
					}
				}()
				defer e.Close()
			}

			a.logger.Info("workers running, press Ctrl+C to stop", "domains", strings.Join(domains, ","))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&domains, "domain", "d", []string{"demo"}, "Domains to answer for")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve worker metrics on this address")
	return cmd
}

// startDemoWorkers starts one worker per domain, each on its own transport
func (a *app) startDemoWorkers(ctx context.Context, domains []string, collector *metrics.Collector) ([]*worker.Worker, error) {
	var workers []*worker.Worker

	interceptors := []worker.Interceptor{worker.NewLoggingInterceptor(a.logger)}
	if collector != nil {
		interceptors = append(interceptors, worker.NewMetricsInterceptor(collector))
	}

	for _, domain := range domains {
		transport, err := a.newTransport()
		if err != nil {
			stopWorkers(workers)
			return nil, err
		}

		w, err := worker.New(transport, domain,
			worker.WithLogger(a.logger),
			worker.WithPrefetch(a.cfg.Worker.Prefetch),
			worker.WithConcurrency(a.cfg.Worker.Concurrency),
			worker.WithInterceptors(interceptors...),
		)
		if err == nil {
			err = registerDemoHandlers(w)
		}
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			transport.Close()
			stopWorkers(workers)
			return nil, fmt.Errorf("failed to start worker for %s: %w", domain, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func registerDemoHandlers(w *worker.Worker) error {
	if err := w.Handle("echo", echoHandler); err != nil {
		return err
	}
	return w.Handle("ping", func(ctx context.Context, req *worker.Request) (any, error) {
		return map[string]any{
			"pong":   true,
			"domain": req.Domain,
			"time":   time.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	})
}

func echoHandler(ctx context.Context, req *worker.Request) (any, error) {
	if req.IsBinary() {
		return map[string]any{
			"size": len(req.Data),
			"meta": req.Body,
		}, nil
	}
	if req.Body == nil {
		return nil, worker.BadRequest(errors.New("echo needs a body"))
	}
	return req.Body, nil
}

func stopWorkers(workers []*worker.Worker) {
	for _, w := range workers {
		w.Close()
	}
}
