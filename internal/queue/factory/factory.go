// Package factory constructs queue publishers and consumers from
// configuration. It is the only package that knows every variant; callers
// work against the queue contracts and never touch broker clients directly.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/queue/activemq"
	"go.flowcatalyst.tech/dispatch/internal/queue/embedded"
	natsqueue "go.flowcatalyst.tech/dispatch/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/dispatch/internal/queue/sqs"
)

const dedupSweepInterval = time.Minute

// Connection is a live link to one configured queue. It hands out the
// publisher and creates consumers; closing it tears down everything it
// created, in reverse order.
type Connection struct {
	queueType   string
	publisher   queue.Publisher
	newConsumer func(ctx context.Context, name string) (queue.Consumer, error)
	healthy     func(ctx context.Context) bool
	closers     []func() error
}

// Connect builds the variant selected by cfg.Type.
func Connect(ctx context.Context, cfg *queue.Config) (*Connection, error) {
	if cfg == nil {
		cfg = queue.DefaultConfig()
	}

	switch cfg.Type {
	case queue.TypeEmbedded, "":
		return connectEmbedded(cfg)
	case queue.TypeNATS:
		return connectNATS(ctx, cfg)
	case queue.TypeSQS:
		return connectSQS(ctx, cfg)
	case queue.TypeActiveMQ:
		return connectActiveMQ(cfg)
	default:
		return nil, fmt.Errorf("unknown queue type: %q (use %q, %q, %q or %q)",
			cfg.Type, queue.TypeEmbedded, queue.TypeNATS, queue.TypeSQS, queue.TypeActiveMQ)
	}
}

// Type returns the variant this connection was built for.
func (c *Connection) Type() string {
	return c.queueType
}

// Publisher returns the shared publisher for the queue.
func (c *Connection) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates a named consumer. Consumers are independent; a
// stalled one can be closed and recreated without touching the publisher.
func (c *Connection) CreateConsumer(ctx context.Context, name string) (queue.Consumer, error) {
	return c.newConsumer(ctx, name)
}

// Healthy reports whether the broker link is usable.
func (c *Connection) Healthy(ctx context.Context) bool {
	return c.healthy(ctx)
}

// Close releases everything the connection created, in reverse order.
func (c *Connection) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Error("Error closing queue resource", "error", err, "queueType", c.queueType)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func connectEmbedded(cfg *queue.Config) (*Connection, error) {
	engineCfg := &embedded.Config{
		Path:              cfg.Embedded.Path,
		Queue:             cfg.Embedded.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		ReceiveTimeout:    cfg.Embedded.ReceiveTimeout,
		DedupWindow:       cfg.Embedded.DedupWindow,
	}
	if engineCfg.Path == "" {
		engineCfg.Path = "./data/queue.db"
	}
	if engineCfg.Queue == "" {
		engineCfg.Queue = "dispatch"
	}

	engine, err := embedded.NewEngine(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}

	janitor := embedded.NewJanitor(engine, dedupSweepInterval)
	janitor.Start()

	slog.Info("Embedded queue ready", "path", engineCfg.Path, "queue", engineCfg.Queue)

	return &Connection{
		queueType: queue.TypeEmbedded,
		publisher: embedded.NewPublisher(engine),
		newConsumer: func(ctx context.Context, name string) (queue.Consumer, error) {
			return embedded.NewConsumer(engine), nil
		},
		healthy: func(ctx context.Context) bool {
			return engine.Healthy(ctx)
		},
		closers: []func() error{
			engine.Close,
			func() error { janitor.Stop(); return nil },
		},
	}, nil
}

func connectNATS(ctx context.Context, cfg *queue.Config) (*Connection, error) {
	var client *natsqueue.Client
	var closers []func() error

	if cfg.NATS.Embedded {
		server, err := natsqueue.NewEmbeddedServer(&natsqueue.EmbeddedConfig{
			DataDir: cfg.NATS.DataDir,
		}, &cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		client = server.Client()
		closers = append(closers, server.Close)
		slog.Info("Embedded NATS server ready", "dataDir", server.DataDir(), "port", server.Port())
	} else {
		var err error
		client, err = natsqueue.NewClient(ctx, &cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		closers = append(closers, client.Close)
		slog.Info("Connected to NATS", "url", cfg.NATS.URL, "stream", cfg.NATS.StreamName)
	}

	return &Connection{
		queueType: queue.TypeNATS,
		publisher: client.Publisher(),
		newConsumer: func(ctx context.Context, name string) (queue.Consumer, error) {
			return client.CreateConsumer(ctx, name)
		},
		healthy: func(ctx context.Context) bool {
			return client.HealthCheck(ctx) == nil
		},
		closers: closers,
	}, nil
}

func connectSQS(ctx context.Context, cfg *queue.Config) (*Connection, error) {
	if cfg.SQS.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue URL is required")
	}

	client, err := sqsqueue.NewClient(ctx, &cfg.SQS)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}
	slog.Info("Connected to AWS SQS", "region", cfg.SQS.Region, "queueURL", cfg.SQS.QueueURL)

	return &Connection{
		queueType: queue.TypeSQS,
		publisher: client.Publisher(),
		newConsumer: func(ctx context.Context, name string) (queue.Consumer, error) {
			return client.CreateConsumer(name), nil
		},
		healthy: func(ctx context.Context) bool {
			return client.HealthCheck(ctx) == nil
		},
		closers: []func() error{client.Close},
	}, nil
}

func connectActiveMQ(cfg *queue.Config) (*Connection, error) {
	client, err := activemq.NewClient(&cfg.ActiveMQ)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
	}

	return &Connection{
		queueType: queue.TypeActiveMQ,
		publisher: client.Publisher(),
		newConsumer: func(ctx context.Context, name string) (queue.Consumer, error) {
			return client.CreateConsumer(name)
		},
		healthy: func(ctx context.Context) bool {
			return client.HealthCheck(ctx) == nil
		},
		closers: []func() error{client.Close},
	}, nil
}
