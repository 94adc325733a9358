package nats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
// It backs the single-node NATS deployment where no external broker exists.
type EmbeddedServer struct {
	server  *server.Server
	client  *Client
	dataDir string
	port    int
}

// EmbeddedConfig holds configuration for the embedded NATS server
type EmbeddedConfig struct {
	// DataDir is the directory for JetStream data persistence
	DataDir string

	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port (default: 4222)
	Port int

	// MaxAge is the maximum age of messages in the stream
	MaxAge time.Duration
}

// DefaultEmbeddedConfig returns default embedded server configuration
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir: "./data/nats",
		Host:    "127.0.0.1",
		Port:    4222,
		MaxAge:  24 * time.Hour,
	}
}

// NewEmbeddedServer starts an in-process NATS server, connects to it, and
// ensures the work queue stream from queueCfg exists.
func NewEmbeddedServer(cfg *EmbeddedConfig, queueCfg *queue.NATSConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}
	if queueCfg.DataDir != "" {
		cfg.DataDir = queueCfg.DataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if err := ensureStream(context.Background(), js, queueCfg, maxAge); err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, err
	}

	slog.Info("JetStream stream configured", "stream", streamName(queueCfg))

	return &EmbeddedServer{
		server:  ns,
		client:  newClientForServer(conn, js, queueCfg),
		dataDir: cfg.DataDir,
		port:    cfg.Port,
	}, nil
}

// Client returns the queue client bound to the embedded server.
func (e *EmbeddedServer) Client() *Client {
	return e.client
}

// Publisher returns the embedded server's publisher
func (e *EmbeddedServer) Publisher() queue.Publisher {
	return e.client.Publisher()
}

// CreateConsumer creates a consumer against the embedded stream.
func (e *EmbeddedServer) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	return e.client.CreateConsumer(ctx, name)
}

// Connection returns the NATS connection
func (e *EmbeddedServer) Connection() *nats.Conn {
	return e.client.Connection()
}

// Server returns the underlying NATS server
func (e *EmbeddedServer) Server() *server.Server {
	return e.server
}

// DataDir returns the data directory
func (e *EmbeddedServer) DataDir() string {
	return e.dataDir
}

// Port returns the server port
func (e *EmbeddedServer) Port() int {
	return e.port
}

// Close shuts down the embedded server
func (e *EmbeddedServer) Close() error {
	slog.Info("Shutting down embedded NATS server")

	if e.client != nil {
		e.client.Close()
	}

	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	// Remove the JetStream lock file so the next start is clean
	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}

	slog.Info("Embedded NATS server shut down")
	return nil
}
