// Package nats implements the queue contracts on NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// Message headers carrying FIFO semantics across the stream.
const (
	// HeaderMsgID is the JetStream deduplication header.
	HeaderMsgID = "Nats-Msg-Id"
	// HeaderMsgGroup carries the message group verbatim, since the subject
	// token is sanitized.
	HeaderMsgGroup = "Nats-Msg-Group"
)

const (
	// dupWindow is the stream-level deduplication window for Nats-Msg-Id.
	dupWindow = 5 * time.Minute

	// defaultMaxAge bounds how long unconsumed messages survive.
	defaultMaxAge = 24 * time.Hour

	defaultAckWait       = 2 * time.Minute
	defaultMaxDeliver    = 10
	defaultMaxAckPending = 1000
)

// Client wraps a NATS connection and provides publishers and consumers
// bound to one JetStream work queue stream.
type Client struct {
	conn      *nats.Conn
	js        jetstream.JetStream
	config    *queue.NATSConfig
	consumers map[string]*Consumer
	mu        sync.Mutex
}

// NewClient connects to NATS and ensures the stream exists.
func NewClient(ctx context.Context, cfg *queue.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}

	conn, err := nats.Connect(cfg.URL,
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
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg, defaultMaxAge); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		conn:      conn,
		js:        js,
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// newClientForServer wires a Client onto an existing connection (embedded server).
func newClientForServer(conn *nats.Conn, js jetstream.JetStream, cfg *queue.NATSConfig) *Client {
	return &Client{
		conn:      conn,
		js:        js,
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}
}

// Publisher returns a publisher for the configured stream.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{
		js:          c.js,
		stream:      streamName(c.config),
		subjectBase: subjectBase(c.config),
	}
}

// CreateConsumer creates (or binds to) the durable pull consumer and returns
// a handle-tracking wrapper. Multiple wrappers may share one durable; the
// server distributes fetched messages between them.
func (c *Client) CreateConsumer(ctx context.Context, name string) (*Consumer, error) {
	jsConsumer, err := newDurableConsumer(ctx, c.js, c.config)
	if err != nil {
		return nil, err
	}

	consumer := newConsumer(jsConsumer, name, ackWait(c.config))

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("NATS consumer created", "name", name, "stream", streamName(c.config), "durable", durableName(c.config))
	return consumer, nil
}

// Connection returns the NATS connection for health checks
func (c *Client) Connection() *nats.Conn {
	return c.conn
}

// HealthCheck verifies that JetStream is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.js.AccountInfo(ctx)
	return err
}

// Close closes the client and all consumers
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, consumer := range c.consumers {
		consumer.Close()
	}
	c.consumers = make(map[string]*Consumer)
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// ensureStream creates or updates the work queue stream. WorkQueuePolicy
// removes messages on ack, which gives queue rather than log semantics.
func ensureStream(ctx context.Context, js jetstream.JetStream, cfg *queue.NATSConfig, maxAge time.Duration) error {
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{subjectBase(cfg) + ".>"}
	}

	streamCfg := jetstream.StreamConfig{
		Name:       streamName(cfg),
		Subjects:   subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     maxAge,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		NoAck:      false,
		Duplicates: dupWindow,
	}

	_, err := js.Stream(ctx, streamCfg.Name)
	if err != nil {
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created JetStream stream", "stream", streamCfg.Name, "subjects", subjects)
		return nil
	}

	if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	slog.Info("Updated JetStream stream", "stream", streamCfg.Name, "subjects", subjects)
	return nil
}

// newDurableConsumer creates or binds the durable pull consumer for the stream.
func newDurableConsumer(ctx context.Context, js jetstream.JetStream, cfg *queue.NATSConfig) (jetstream.Consumer, error) {
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDeliver
	}
	maxAckPending := cfg.MaxAckPending
	if maxAckPending <= 0 {
		maxAckPending = defaultMaxAckPending
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          durableName(cfg),
		Durable:       durableName(cfg),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait(cfg),
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: maxAckPending,
	}

	stream, err := js.Stream(ctx, streamName(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return consumer, nil
}

func streamName(cfg *queue.NATSConfig) string {
	if cfg.StreamName != "" {
		return cfg.StreamName
	}
	return "DISPATCH"
}

func durableName(cfg *queue.NATSConfig) string {
	if cfg.ConsumerName != "" {
		return cfg.ConsumerName
	}
	return "flowcatalyst-router"
}

func subjectBase(cfg *queue.NATSConfig) string {
	if cfg.SubjectBase != "" {
		return cfg.SubjectBase
	}
	return "dispatch"
}

func ackWait(cfg *queue.NATSConfig) time.Duration {
	if cfg.AckWait > 0 {
		return cfg.AckWait
	}
	return defaultAckWait
}

// subjectForGroup maps a message group to a subject under the base token.
// Characters NATS subjects cannot carry are replaced so arbitrary group IDs
// stay routable; the verbatim group travels in the HeaderMsgGroup header.
func subjectForGroup(base, group string) string {
	if group == "" {
		group = "default"
	}
	token := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, group)
	return base + "." + token
}

// Publisher publishes messages to the JetStream work queue stream.
type Publisher struct {
	js          jetstream.JetStream
	stream      string
	subjectBase string
}

// NewPublisher creates a publisher for an existing JetStream context.
func NewPublisher(js jetstream.JetStream, stream, subjectBase string) *Publisher {
	return &Publisher{js: js, stream: stream, subjectBase: subjectBase}
}

// Publish sends one message. The message group selects the subject and the
// deduplication ID (defaulting to the message ID) rides the Nats-Msg-Id
// header, so the stream's duplicate window suppresses republications.
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) error {
	if len(msg.Body) == 0 {
		return queue.ErrEmptyBody
	}

	m := &nats.Msg{
		Subject: subjectForGroup(p.subjectBase, msg.MessageGroupID),
		Data:    msg.Body,
		Header:  make(nats.Header),
	}
	dedupID := msg.DeduplicationID
	if dedupID == "" {
		dedupID = msg.ID
	}
	if dedupID != "" {
		m.Header.Set(HeaderMsgID, dedupID)
	}
	if msg.MessageGroupID != "" {
		m.Header.Set(HeaderMsgGroup, msg.MessageGroupID)
	}

	if _, err := p.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishBatch publishes messages one by one, collecting per-message
// outcomes. JetStream acknowledges each publish individually, so a batch is
// a loop rather than a wire-level batch. An error is returned only when
// every message failed.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) (*queue.BatchResult, error) {
	result := &queue.BatchResult{}
	for i := 0; i < len(msgs); i += queue.MaxBatchNATS {
		end := i + queue.MaxBatchNATS
		if end > len(msgs) {
			end = len(msgs)
		}
		for _, msg := range msgs[i:end] {
			if err := p.Publish(ctx, msg); err != nil {
				result.Failed = append(result.Failed, queue.PublishResult{ID: msg.ID, Err: err})
				continue
			}
			result.Succeeded = append(result.Succeeded, queue.PublishResult{ID: msg.ID})
		}
	}
	if len(result.Succeeded) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("nats: all %d messages failed to publish", len(result.Failed))
	}
	return result, nil
}

// Depth returns the number of messages remaining in the stream. With work
// queue retention that is exactly the unconsumed backlog.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	stream, err := p.js.Stream(ctx, p.stream)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info: %w", err)
	}
	return int64(info.State.Msgs), nil
}

// Healthy reports whether the JetStream account responds.
func (p *Publisher) Healthy(ctx context.Context) bool {
	_, err := p.js.AccountInfo(ctx)
	return err == nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// lease tracks one delivered message awaiting ack, nack, or expiry.
type lease struct {
	msg       jetstream.Msg
	deliverAt time.Time
}

// Consumer consumes messages from the durable pull consumer. JetStream acks
// operate on the delivered message object, so the consumer issues a receipt
// handle per delivery and keeps the message in a lease table until the
// handle is settled or the ack window lapses.
type Consumer struct {
	consumer jetstream.Consumer
	name     string
	ackWait  time.Duration

	mu     sync.Mutex
	leases map[string]lease
	closed bool
}

func newConsumer(jsConsumer jetstream.Consumer, name string, ackWait time.Duration) *Consumer {
	return &Consumer{
		consumer: jsConsumer,
		name:     name,
		ackWait:  ackWait,
		leases:   make(map[string]lease),
	}
}

// Receive fetches up to maxMessages messages, waiting up to wait for the
// first one. Fetched messages stay leased until acked or nacked.
func (c *Consumer) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.QueueMessage, error) {
	if c.isClosed() {
		return nil, queue.ErrClosed
	}

	batch := maxMessages
	if batch < 1 {
		batch = 1
	}
	if batch > queue.MaxBatchNATS {
		batch = queue.MaxBatchNATS
	}

	c.pruneExpiredLeases()

	var (
		fetched jetstream.MessageBatch
		err     error
	)
	if wait > 0 {
		fetched, err = c.consumer.Fetch(batch, jetstream.FetchMaxWait(wait))
	} else {
		fetched, err = c.consumer.FetchNoWait(batch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var messages []queue.QueueMessage
	for msg := range fetched.Messages() {
		messages = append(messages, c.leaseMessage(msg))
	}
	if err := fetched.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		if len(messages) == 0 {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		slog.Warn("NATS fetch ended with error", "error", err, "consumer", c.name, "delivered", len(messages))
	}

	return messages, nil
}

// leaseMessage assigns a receipt handle and maps the message to the
// transport-neutral shape.
func (c *Consumer) leaseMessage(msg jetstream.Msg) queue.QueueMessage {
	handle := uuid.NewString()

	c.mu.Lock()
	c.leases[handle] = lease{msg: msg, deliverAt: time.Now()}
	c.mu.Unlock()

	messageID := msg.Headers().Get(HeaderMsgID)
	receiveCount := 1
	if meta, err := msg.Metadata(); err == nil {
		if messageID == "" {
			messageID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		}
		receiveCount = int(meta.NumDelivered)
	}

	group := msg.Headers().Get(HeaderMsgGroup)

	attrs := make(map[string]string)
	for k, v := range msg.Headers() {
		if len(v) > 0 {
			attrs[k] = v[0]
		}
	}

	return queue.QueueMessage{
		MessageID:       messageID,
		Body:            msg.Data(),
		MessageGroupID:  group,
		DeduplicationID: msg.Headers().Get(HeaderMsgID),
		ReceiptHandle:   handle,
		ReceiveCount:    receiveCount,
		Attributes:      attrs,
	}
}

// Ack acknowledges the leased message. A stale handle is a silent no-op:
// the delivery it referred to has already expired and will redeliver.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	l, ok := c.takeLease(receiptHandle)
	if !ok {
		slog.Debug("Ack for unknown receipt handle ignored", "consumer", c.name)
		return nil
	}
	if err := l.msg.Ack(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack makes the message redeliverable after delay.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	l, ok := c.takeLease(receiptHandle)
	if !ok {
		slog.Debug("Nack for unknown receipt handle ignored", "consumer", c.name)
		return nil
	}
	if delay <= 0 {
		if err := l.msg.Nak(); err != nil {
			return fmt.Errorf("failed to nack message: %w", err)
		}
		return nil
	}
	if err := l.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("failed to nack message with delay: %w", err)
	}
	return nil
}

// ExtendVisibility resets the ack wait window for the leased message.
// JetStream restarts the full AckWait on each in-progress signal; the
// requested visibility is a lower bound, not an exact deadline. The handle
// stays stable across extensions.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	c.mu.Lock()
	l, ok := c.leases[receiptHandle]
	if ok {
		l.deliverAt = time.Now()
		c.leases[receiptHandle] = l
	}
	c.mu.Unlock()

	if !ok {
		return receiptHandle, nil
	}
	if err := l.msg.InProgress(); err != nil {
		return receiptHandle, fmt.Errorf("failed to extend ack deadline: %w", err)
	}
	return receiptHandle, nil
}

// Healthy reports whether the durable consumer is reachable.
func (c *Consumer) Healthy(ctx context.Context) bool {
	_, err := c.consumer.Info(ctx)
	return err == nil
}

// Close marks the consumer closed. Leased messages redeliver after AckWait.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.leases = make(map[string]lease)
	c.mu.Unlock()
	slog.Info("NATS consumer closed", "consumer", c.name)
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) takeLease(receiptHandle string) (lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[receiptHandle]
	if ok {
		delete(c.leases, receiptHandle)
	}
	return l, ok
}

// pruneExpiredLeases drops leases whose server-side ack window has lapsed.
// Their messages have already been redelivered; the old handles are dead.
func (c *Consumer) pruneExpiredLeases() {
	cutoff := time.Now().Add(-c.ackWait)
	c.mu.Lock()
	for handle, l := range c.leases {
		if l.deliverAt.Before(cutoff) {
			delete(c.leases, handle)
		}
	}
	c.mu.Unlock()
}
