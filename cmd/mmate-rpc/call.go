package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/config"
)

// callOptions are the flags of the call command
type callOptions struct {
	flags   []string
	expect  int
	timeout time.Duration
	cbor    bool
	file    string
}

func newCallCmd(opts *globalOptions) *cobra.Command {
	co := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <domain> <action> [json-body]",
		Short: "Make one call and print the replies",
		Long: `Publishes one call and prints the collected replies as JSON. The body is
read from the third argument, or from stdin when it is "-". With --file the
file is sent as a binary payload and the body travels next to it.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}

			var raw string
			if len(args) == 3 {
				raw = args[2]
			}
			body, err := parseBody(raw, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return a.call(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], body, co)
		},
	}
	cmd.Flags().StringSliceVarP(&co.flags, "flags", "f", nil, "Extra domains to fan the call out to")
	cmd.Flags().IntVarP(&co.expect, "expect", "n", 0, "Replies to wait for (default one per domain)")
	cmd.Flags().DurationVar(&co.timeout, "timeout", 0, "Call timeout (default from config)")
	cmd.Flags().BoolVar(&co.cbor, "cbor", false, "Encode the call as CBOR")
	cmd.Flags().StringVar(&co.file, "file", "", "Send this file as a binary payload")
	return cmd
}

// parseBody decodes raw as JSON, falling back to the plain string. "-"
// reads the body from in.
func parseBody(raw string, in io.Reader) (any, error) {
	if raw == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var body any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return raw, nil
	}
	return body, nil
}

// call opens a scoped bridge, makes the call and writes the replies to out
func (a *app) call(ctx context.Context, out io.Writer, domain, action string, body any, co *callOptions) error {
	transport, err := a.newTransport()
	if err != nil {
		return err
	}

	domains := append([]string{domain}, co.flags...)
	env := contracts.Envelope{}
	for _, d := range domains {
		env[d] = contracts.Request{Action: action, Body: body}
	}
	tag := contracts.NewRoutingTag(domains...)

	callOpts := []bridge.CallOption{bridge.WithExpectedReplies(len(env))}
	if co.expect > 0 {
		callOpts = append(callOpts, bridge.WithExpectedReplies(co.expect))
	}
	if co.timeout > 0 {
		callOpts = append(callOpts, bridge.WithTimeout(co.timeout))
	}

	bridgeOpts, _ := a.bridgeOptions(nil)
	if co.cbor {
		bridgeOpts = append(bridgeOpts, bridge.WithCodec(contracts.CBOR))
	}

	var data []byte
	if co.file != "" {
		if data, err = os.ReadFile(co.file); err != nil {
			return fmt.Errorf("failed to read %s: %w", co.file, err)
		}
	}

	// a memory broker lives in this process, so answer the call here
	if a.cfg.Transport == config.TransportMemory {
		workers, err := a.startDemoWorkers(ctx, domains, nil)
		if err != nil {
			return err
		}
		defer stopWorkers(workers)
	}

	var replies contracts.Replies
	err = bridge.Use(ctx, transport, func(b *bridge.Bridge) error {
		var err error
		if data != nil {
			replies, err = b.PublishBinary(ctx, data, env, tag, callOpts...)
		} else {
			replies, err = b.Publish(ctx, env, tag, callOpts...)
		}
		return err
	}, bridgeOpts...)

	var timeoutErr *bridge.TimeoutError
	if errors.As(err, &timeoutErr) {
		replies = timeoutErr.Replies
	} else if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(replies); encErr != nil {
		return encErr
	}
	return err
}
