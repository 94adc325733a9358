// Package queue provides abstractions for message queue operations
package queue

import (
	"context"
	"errors"
	"time"
)

// Queue type identifiers recognized by the factory.
const (
	TypeEmbedded = "embedded"
	TypeNATS     = "nats"
	TypeSQS      = "sqs"
	TypeActiveMQ = "activemq"
)

// Per-variant publish batch caps. PublishBatch chunks larger inputs.
const (
	MaxBatchSQS      = 10
	MaxBatchNATS     = 1000
	MaxBatchActiveMQ = 100
	MaxBatchEmbedded = 100
)

// Common errors returned by queue implementations.
var (
	// ErrClosed is returned when operating on a closed publisher or consumer.
	ErrClosed = errors.New("queue: closed")

	// ErrEmptyBody is returned when publishing a message with no payload.
	ErrEmptyBody = errors.New("queue: empty message body")
)

// QueueMessage is a message leased from a queue. The receipt handle grants
// the right to ack, nack, or extend the lease; it is rotated on each lease
// and becomes invalid once the message is acked or the lease expires.
type QueueMessage struct {
	// MessageID is the unique message identifier within the queue
	MessageID string

	// Body is the message payload
	Body []byte

	// MessageGroupID orders messages that share the same value
	MessageGroupID string

	// DeduplicationID suppresses duplicate enqueues within the dedup window
	DeduplicationID string

	// ReceiptHandle is the lease token for ack/nack/extend
	ReceiptHandle string

	// ReceiveCount is the number of times this message has been leased
	ReceiveCount int

	// Attributes carries variant-specific metadata
	Attributes map[string]string
}

// OutboundMessage is a message to be published.
type OutboundMessage struct {
	// ID is the message identifier. Required; it is also the default
	// deduplication ID for variants that support content dedup.
	ID string

	// Body is the message payload
	Body []byte

	// MessageGroupID orders messages that share the same value
	MessageGroupID string

	// DeduplicationID overrides the default (ID) dedup key
	DeduplicationID string
}

// PublishResult reports the outcome for a single message in a batch.
type PublishResult struct {
	// ID is the message ID the result refers to
	ID string

	// Err is nil on success
	Err error
}

// BatchResult splits a batch publish into per-message outcomes.
type BatchResult struct {
	Succeeded []PublishResult
	Failed    []PublishResult
}

// AllSucceeded returns true when no message in the batch failed.
func (r *BatchResult) AllSucceeded() bool {
	return len(r.Failed) == 0
}

// Partial returns true when the batch had both successes and failures.
func (r *BatchResult) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// Publisher publishes messages to a queue.
type Publisher interface {
	// Publish sends a single message
	Publish(ctx context.Context, msg *OutboundMessage) error

	// PublishBatch sends a batch, chunked to the variant's cap. The
	// returned result lists per-message outcomes; the error is non-nil
	// only when the whole batch failed to reach the broker.
	PublishBatch(ctx context.Context, msgs []*OutboundMessage) (*BatchResult, error)

	// Depth returns the approximate number of visible messages
	Depth(ctx context.Context) (int64, error)

	// Healthy reports whether the broker is reachable
	Healthy(ctx context.Context) bool

	// Close closes the publisher
	Close() error
}

// Consumer leases messages from a queue. The caller owns the receipt
// handles it receives and is the only party allowed to settle them.
type Consumer interface {
	// Receive leases up to maxMessages, long-polling up to wait
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]QueueMessage, error)

	// Ack deletes the leased message. Acking an already-settled handle
	// is a no-op.
	Ack(ctx context.Context, receiptHandle string) error

	// Nack returns the message to the queue after delay. Nacking an
	// unknown handle is a no-op.
	Nack(ctx context.Context, receiptHandle string, delay time.Duration) error

	// ExtendVisibility renews the lease for the given duration. Variants
	// that rotate handles on extension return the new handle; others
	// return the one passed in.
	ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error)

	// Healthy reports whether the consumer's broker link is usable
	Healthy(ctx context.Context) bool

	// Close closes the consumer
	Close() error
}

// Config holds queue configuration
type Config struct {
	// Type is the queue implementation type: "embedded", "nats", "sqs",
	// "activemq"
	Type string

	// Connections is the number of parallel consumer polling tasks
	Connections int

	// VisibilityTimeout is the lease duration granted on receive
	VisibilityTimeout time.Duration

	// Embedded specific configuration
	Embedded EmbeddedConfig

	// NATS specific configuration
	NATS NATSConfig

	// SQS specific configuration
	SQS SQSConfig

	// ActiveMQ specific configuration
	ActiveMQ ActiveMQConfig
}

// EmbeddedConfig holds configuration for the SQLite-backed queue
type EmbeddedConfig struct {
	// Path is the database file path; ":memory:" for tests
	Path string

	// QueueName isolates multiple logical queues in one database
	QueueName string

	// ReceiveTimeout bounds the simulated long-poll on receive
	ReceiveTimeout time.Duration

	// DedupWindow is how long deduplication IDs suppress re-enqueues
	DedupWindow time.Duration
}

// NATSConfig holds NATS-specific configuration
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Embedded starts an in-process JetStream server when true
	Embedded bool

	// DataDir is the JetStream storage directory for the embedded server
	DataDir string

	// StreamName is the JetStream stream name
	StreamName string

	// ConsumerName is the durable consumer name
	ConsumerName string

	// Subjects is the list of subjects bound to the stream
	Subjects []string

	// SubjectBase prefixes per-group subjects on publish
	SubjectBase string

	// AckWait is the time to wait for message acknowledgment
	AckWait time.Duration

	// MaxDeliver is the maximum number of delivery attempts
	MaxDeliver int

	// MaxAckPending is the maximum number of unacked messages
	MaxAckPending int
}

// SQSConfig holds AWS SQS-specific configuration
type SQSConfig struct {
	// QueueURL is the SQS queue URL
	QueueURL string

	// Region is the AWS region
	Region string

	// CustomEndpoint overrides the SQS endpoint (LocalStack)
	CustomEndpoint string

	// WaitTimeSeconds is the long-polling wait time (max 20)
	WaitTimeSeconds int32

	// VisibilityTimeout is the visibility timeout in seconds
	VisibilityTimeout int32

	// MaxNumberOfMessages is the max messages per receive (1-10)
	MaxNumberOfMessages int32
}

// ActiveMQConfig holds ActiveMQ-specific configuration
type ActiveMQConfig struct {
	// BrokerAddr is the STOMP endpoint (host:port)
	BrokerAddr string

	// QueueName is the destination queue
	QueueName string

	// Username and Password authenticate the STOMP connection
	Username string
	Password string

	// ConsoleURL is the web console base for the Jolokia depth probe
	// (e.g., "http://localhost:8161")
	ConsoleURL string

	// BrokerName is the broker's configured name, used in Jolokia paths
	BrokerName string
}

// DefaultConfig returns a single-node development configuration backed by
// the embedded SQLite queue.
func DefaultConfig() *Config {
	return &Config{
		Type:              TypeEmbedded,
		Connections:       1,
		VisibilityTimeout: 120 * time.Second,
		Embedded: EmbeddedConfig{
			Path:           "./data/queue.db",
			QueueName:      "dispatch",
			ReceiveTimeout: time.Second,
			DedupWindow:    5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			DataDir:      "./data/nats",
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
			SubjectBase:  "dispatch",
			AckWait:      120 * time.Second,
			MaxDeliver:   10,
		},
	}
}

// BatchCap returns the publish batch cap for a queue type.
func BatchCap(queueType string) int {
	switch queueType {
	case TypeSQS:
		return MaxBatchSQS
	case TypeNATS:
		return MaxBatchNATS
	case TypeActiveMQ:
		return MaxBatchActiveMQ
	default:
		return MaxBatchEmbedded
	}
}
