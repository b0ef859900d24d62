package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/internal/config"
	"github.com/glimte/mmate-rpc/internal/logging"
	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/kafka"
	"github.com/glimte/mmate-rpc/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// brokerTransport is a transport that can play both roles. Every transport
// in this module does.
type brokerTransport interface {
	messaging.ClientTransport
	messaging.ServerTransport
}

// app is the configuration and logger every command starts from
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	// broker backs every memory transport of this process
	broker *memory.Broker
}

func loadApp(opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.transport != "" {
		cfg.Transport = strings.ToLower(opts.transport)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(os.Stderr, cfg.Logging)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if cfg.Transport == config.TransportMemory {
		a.broker = memory.NewBroker()
	}
	return a, nil
}

// newTransport builds an unconnected transport for the configured broker
func (a *app) newTransport() (brokerTransport, error) {
	cfg := a.cfg

	switch cfg.Transport {
	case config.TransportRabbitMQ:
		return rabbitmqTransport.NewTransport(cfg.RabbitMQ.URL,
			rabbitmqTransport.WithExchange(cfg.RabbitMQ.Exchange),
			rabbitmqTransport.WithQueuePrefix(cfg.RabbitMQ.QueuePrefix),
			rabbitmqTransport.WithLogger(a.logger),
			rabbitmqTransport.WithConnectionOptions(rabbitmq.WithLogger(a.logger)),
			rabbitmqTransport.WithPoolOptions(
				rabbitmq.WithMaxSize(cfg.RabbitMQ.PoolSize),
				rabbitmq.WithChannelLogger(a.logger),
			),
		), nil
	case config.TransportKafka:
		return kafka.NewTransport(cfg.Kafka.Brokers,
			kafka.WithTopicPrefix(cfg.Kafka.TopicPrefix),
			kafka.WithReplicationFactor(cfg.Kafka.ReplicationFactor),
			kafka.WithLogger(a.logger),
		), nil
	case config.TransportMemory:
		return memory.NewTransport(a.broker,
			memory.WithQueuePrefix(cfg.RabbitMQ.QueuePrefix),
			memory.WithLogger(a.logger),
		), nil
	default:
		return nil, fmt.Errorf("invalid transport: %q", cfg.Transport)
	}
}

// bridgeOptions turns the bridge section of the config into options. A nil
// collector leaves the bridge unobserved.
func (a *app) bridgeOptions(collector *metrics.Collector) ([]bridge.BridgeOption, *reliability.CircuitBreaker) {
	cfg := a.cfg.Bridge

	opts := []bridge.BridgeOption{
		bridge.WithLogger(a.logger),
		bridge.WithDefaultTimeout(cfg.DefaultTimeout.Std()),
		bridge.WithMaxPendingCalls(cfg.MaxPendingCalls),
	}
	if collector != nil {
		opts = append(opts, bridge.WithObserver(collector))
	}

	var breaker *reliability.CircuitBreaker
	if cfg.BreakerThreshold > 0 {
		breaker = reliability.NewCircuitBreaker(
			reliability.WithName("broker-publish"),
			reliability.WithFailureThreshold(cfg.BreakerThreshold),
			reliability.WithTimeout(cfg.BreakerTimeout.Std()),
		)
		breaker.AddListener(&breakerLogger{logger: a.logger})
		opts = append(opts, bridge.WithCircuitBreaker(breaker))
	}
	return opts, breaker
}

type breakerLogger struct {
	logger *slog.Logger
}

func (l *breakerLogger) OnStateChange(name string, from, to reliability.State, reason string) {
	l.logger.Warn("circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}
