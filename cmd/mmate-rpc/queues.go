package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/monitor"
)

func newQueuesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List domain queues with their depth and consumers",
		Long: `Lists the shared request queue of every domain through the RabbitMQ
management API. A domain without consumers answers nothing, so every call to
it ends in a timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			if a.cfg.Transport != config.TransportRabbitMQ {
				return fmt.Errorf("queues needs the rabbitmq transport, not %s", a.cfg.Transport)
			}

			client, err := a.managementClient()
			if err != nil {
				return err
			}
			return listQueues(cmd.Context(), cmd.OutOrStdout(), client, a.cfg.RabbitMQ.QueuePrefix)
		},
	}
}

func (a *app) managementClient() (*monitor.Client, error) {
	return monitor.NewClient(a.cfg.RabbitMQ.URL, monitor.WithManagementURL(a.cfg.RabbitMQ.ManagementURL))
}

func listQueues(ctx context.Context, out io.Writer, client *monitor.Client, prefix string) error {
	queues, err := client.DomainQueues(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tREADY\tUNACKED\tCONSUMERS\tPUBLISH/S\tSTATE")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, q := range queues {
		state := q.State
		if q.Idle() {
			state += " (no consumers)"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%s\n",
			q.Domain, q.MessagesReady, q.MessagesUnacked, q.Consumers, q.PublishRate, state)
	}

	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d domain queues\n", len(queues))
	return nil
}
