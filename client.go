// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// Client is a connected bridge over a broker transport. One Client is
// meant to be shared by the whole process.
type Client struct {
	*bridge.Bridge
	transport messaging.ClientTransport
}

// NewClient connects to RabbitMQ at connectionString and starts the reply
// listener
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithLogger(cfg.logger),
			rabbitmq.WithDialTimeout(cfg.connectTimeout),
		),
	}
	if cfg.exchange != "" {
		transportOpts = append(transportOpts, rabbitmqTransport.WithExchange(cfg.exchange))
	}
	if cfg.queuePrefix != "" {
		transportOpts = append(transportOpts, rabbitmqTransport.WithQueuePrefix(cfg.queuePrefix))
	}

	transport := rabbitmqTransport.NewTransport(connectionString, transportOpts...)
	return connect(transport, cfg)
}

// NewClientWithTransport starts a client on an already built transport
func NewClientWithTransport(transport messaging.ClientTransport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	return connect(transport, newClientConfig(options))
}

func connect(transport messaging.ClientTransport, cfg *clientConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()

	opts := append([]bridge.BridgeOption{bridge.WithLogger(cfg.logger)}, cfg.bridgeOptions...)
	b, err := bridge.Open(ctx, transport, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	cfg.logger.Info("mmate client connected", "replyTo", b.ReplyAddress())
	return &Client{Bridge: b, transport: transport}, nil
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.ClientTransport {
	return c.transport
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	exchange       string
	queuePrefix    string
	connectTimeout time.Duration
	bridgeOptions  []bridge.BridgeOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectTimeout: 30 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithExchange sets the headers exchange calls are published to
func WithExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
	}
}

// WithQueuePrefix sets the prefix of worker queues
func WithQueuePrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queuePrefix = prefix
	}
}

// WithConnectTimeout bounds the initial connection
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.connectTimeout = d
		}
	}
}

// WithBridgeOptions passes options through to the bridge
func WithBridgeOptions(opts ...bridge.BridgeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bridgeOptions = append(cfg.bridgeOptions, opts...)
	}
}
