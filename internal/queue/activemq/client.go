// Package activemq implements the queue contracts on ActiveMQ over STOMP.
//
// Message groups use the broker-native JMSXGroupID header. Delayed nacks
// re-publish the payload with an AMQ_SCHEDULED_DELAY header (the broker's
// scheduler must be enabled) and ack the original delivery. Queue depth is
// probed through the web console's Jolokia API.
package activemq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// ActiveMQ headers the client reads and writes.
const (
	// HeaderGroupID is the broker-native message group header.
	HeaderGroupID = "JMSXGroupID"

	// HeaderScheduledDelay delays delivery by the given milliseconds.
	// Honored only when the broker runs with schedulerSupport enabled.
	HeaderScheduledDelay = "AMQ_SCHEDULED_DELAY"

	// HeaderMessageID carries the application-level message ID.
	HeaderMessageID = "x-message-id"

	// HeaderDeliveryCount is set by the broker on redeliveries.
	HeaderDeliveryCount = "JMSXDeliveryCount"
)

const (
	defaultContentType = "application/json"
	defaultHeartBeat   = 10 * time.Second

	// prefetchSize bounds the messages the broker pushes ahead of acks.
	prefetchSize = 100

	// drainWindow is how long Receive keeps collecting after the first
	// message arrives.
	drainWindow = 50 * time.Millisecond
)

// stompSession is the subset of *stomp.Conn the client uses. Narrowed for
// testing; the library connection satisfies it directly.
type stompSession interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Subscribe(destination string, ack stomp.AckMode, opts ...func(*frame.Frame) error) (*stomp.Subscription, error)
	Ack(m *stomp.Message) error
	Nack(m *stomp.Message) error
	Disconnect() error
}

// Client provides publishers and consumers backed by one ActiveMQ queue
// over a STOMP connection.
type Client struct {
	conn        stompSession
	config      *queue.ActiveMQConfig
	destination string
	probe       *consoleProbe

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool
}

// NewClient dials the broker's STOMP endpoint.
func NewClient(cfg *queue.ActiveMQConfig) (*Client, error) {
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("activemq: broker address is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("activemq: queue name is required")
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(defaultHeartBeat, defaultHeartBeat),
	}
	if cfg.Username != "" {
		opts = append(opts, stomp.ConnOpt.Login(cfg.Username, cfg.Password))
	}

	conn, err := stomp.Dial("tcp", cfg.BrokerAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ at %s: %w", cfg.BrokerAddr, err)
	}

	slog.Info("Connected to ActiveMQ", "broker", cfg.BrokerAddr, "queue", cfg.QueueName)
	return newClientWithSession(conn, cfg), nil
}

// newClientWithSession wires a client over an existing session (tests).
func newClientWithSession(conn stompSession, cfg *queue.ActiveMQConfig) *Client {
	return &Client{
		conn:        conn,
		config:      cfg,
		destination: "/queue/" + cfg.QueueName,
		probe:       newConsoleProbe(cfg),
		consumers:   make(map[string]*Consumer),
	}
}

// Publisher returns a publisher for the configured queue.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{
		conn:        c.conn,
		destination: c.destination,
		probe:       c.probe,
	}
}

// CreateConsumer subscribes to the queue in client-individual ack mode so
// each delivery is settled on its own.
func (c *Client) CreateConsumer(name string) (*Consumer, error) {
	sub, err := c.conn.Subscribe(c.destination, stomp.AckClientIndividual,
		stomp.SubscribeOpt.Header("activemq.prefetchSize", strconv.Itoa(prefetchSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.destination, err)
	}

	consumer := &Consumer{
		conn:        c.conn,
		sub:         sub,
		destination: c.destination,
		name:        name,
		probe:       c.probe,
		leases:      make(map[string]*stomp.Message),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("ActiveMQ consumer created", "name", name, "destination", c.destination)
	return consumer, nil
}

// HealthCheck verifies the broker connection, preferring the console probe
// when one is configured.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.probe != nil {
		_, err := c.probe.queueSize(ctx)
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return queue.ErrClosed
	}
	return nil
}

// Close disconnects from the broker. Unacked deliveries redeliver per the
// broker's redelivery policy.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := c.consumers
	c.consumers = make(map[string]*Consumer)
	c.mu.Unlock()

	for name, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err, "consumer", name)
		}
	}
	return c.conn.Disconnect()
}

// Publisher publishes messages to an ActiveMQ queue over STOMP.
type Publisher struct {
	conn        stompSession
	destination string
	probe       *consoleProbe

	mu     sync.Mutex
	closed bool
}

// Publish sends a single message with its group header. ActiveMQ has no
// content dedup; the DeduplicationID is ignored.
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) error {
	if p.isClosed() {
		return queue.ErrClosed
	}
	if len(msg.Body) == 0 {
		return queue.ErrEmptyBody
	}

	opts := []func(*frame.Frame) error{
		stomp.SendOpt.Header("persistent", "true"),
	}
	if msg.ID != "" {
		opts = append(opts, stomp.SendOpt.Header(HeaderMessageID, msg.ID))
	}
	if msg.MessageGroupID != "" {
		opts = append(opts, stomp.SendOpt.Header(HeaderGroupID, msg.MessageGroupID))
	}

	if err := p.conn.Send(p.destination, defaultContentType, msg.Body, opts...); err != nil {
		return fmt.Errorf("failed to send STOMP message: %w", err)
	}
	return nil
}

// PublishBatch sends messages one frame at a time (STOMP has no batch op)
// in chunks of at most 100, reporting per-message outcomes. An error is
// returned only when every message failed.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) (*queue.BatchResult, error) {
	result := &queue.BatchResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	for i := 0; i < len(msgs); i += queue.MaxBatchActiveMQ {
		end := i + queue.MaxBatchActiveMQ
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
		return result, fmt.Errorf("activemq: all %d messages failed to publish", len(result.Failed))
	}
	return result, nil
}

// Depth queries the queue size through the console's Jolokia API.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	if p.probe == nil {
		return 0, fmt.Errorf("activemq: depth probe requires a console URL")
	}
	return p.probe.queueSize(ctx)
}

// Healthy reports broker reachability via the console probe when
// configured, otherwise connection liveness.
func (p *Publisher) Healthy(ctx context.Context) bool {
	if p.probe != nil {
		_, err := p.probe.queueSize(ctx)
		return err == nil
	}
	return !p.isClosed()
}

// Close marks the publisher closed. The shared STOMP connection is owned
// by the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer consumes from a STOMP subscription. The broker holds each
// delivery until it is acked or nacked on this connection, so there is no
// visibility clock to extend; handles stay valid for the connection's life.
type Consumer struct {
	conn        stompSession
	sub         *stomp.Subscription
	destination string
	name        string
	probe       *consoleProbe

	mu     sync.Mutex
	leases map[string]*stomp.Message
	closed bool
}

// Receive waits up to wait for the first message, then drains whatever the
// subscription already buffered, up to maxMessages.
func (c *Consumer) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.QueueMessage, error) {
	if c.isClosed() {
		return nil, queue.ErrClosed
	}

	batch := maxMessages
	if batch < 1 {
		batch = 1
	}
	if batch > queue.MaxBatchActiveMQ {
		batch = queue.MaxBatchActiveMQ
	}

	var messages []queue.QueueMessage

	first, err := c.readOne(ctx, wait)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return messages, nil
	}
	messages = append(messages, c.leaseMessage(first))

	for len(messages) < batch {
		msg, err := c.readOne(ctx, drainWindow)
		if err != nil || msg == nil {
			break
		}
		messages = append(messages, c.leaseMessage(msg))
	}

	return messages, nil
}

// readOne reads a single frame from the subscription, waiting at most wait.
// A nil message means the wait elapsed.
func (c *Consumer) readOne(ctx context.Context, wait time.Duration) (*stomp.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg, ok := <-c.sub.C:
		if !ok {
			return nil, fmt.Errorf("activemq: subscription closed: %w", queue.ErrClosed)
		}
		if msg.Err != nil {
			return nil, fmt.Errorf("activemq: broker error: %w", msg.Err)
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// leaseMessage assigns a receipt handle and maps the frame to the
// transport-neutral shape.
func (c *Consumer) leaseMessage(msg *stomp.Message) queue.QueueMessage {
	handle := uuid.NewString()

	c.mu.Lock()
	c.leases[handle] = msg
	c.mu.Unlock()

	messageID := msg.Header.Get(HeaderMessageID)
	if messageID == "" {
		messageID = msg.Header.Get(frame.MessageId)
	}

	receiveCount := 1
	if raw := msg.Header.Get(HeaderDeliveryCount); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			receiveCount = n
		}
	}

	attrs := make(map[string]string, msg.Header.Len())
	for i := 0; i < msg.Header.Len(); i++ {
		k, v := msg.Header.GetAt(i)
		attrs[k] = v
	}

	return queue.QueueMessage{
		MessageID:      messageID,
		Body:           msg.Body,
		MessageGroupID: msg.Header.Get(HeaderGroupID),
		ReceiptHandle:  handle,
		ReceiveCount:   receiveCount,
		Attributes:     attrs,
	}
}

// Ack settles the leased delivery. An unknown handle is a silent no-op.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	msg, ok := c.takeLease(receiptHandle)
	if !ok {
		slog.Debug("Ack for unknown receipt handle ignored", "consumer", c.name)
		return nil
	}
	if err := c.conn.Ack(msg); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack returns the delivery to the broker. With no delay the frame is
// nacked and the broker's redelivery policy applies. With a delay the
// payload is re-published with a scheduled-delay header and the original
// delivery is acked, which preserves the delay across broker restarts.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	msg, ok := c.takeLease(receiptHandle)
	if !ok {
		slog.Debug("Nack for unknown receipt handle ignored", "consumer", c.name)
		return nil
	}

	if delay <= 0 {
		if err := c.conn.Nack(msg); err != nil {
			return fmt.Errorf("failed to nack message: %w", err)
		}
		return nil
	}

	opts := []func(*frame.Frame) error{
		stomp.SendOpt.Header("persistent", "true"),
		stomp.SendOpt.Header(HeaderScheduledDelay, strconv.FormatInt(delay.Milliseconds(), 10)),
	}
	if id := msg.Header.Get(HeaderMessageID); id != "" {
		opts = append(opts, stomp.SendOpt.Header(HeaderMessageID, id))
	}
	if group := msg.Header.Get(HeaderGroupID); group != "" {
		opts = append(opts, stomp.SendOpt.Header(HeaderGroupID, group))
	}

	if err := c.conn.Send(c.destination, defaultContentType, msg.Body, opts...); err != nil {
		// Re-publish failed - nack the original so nothing is lost. The
		// delay is forfeited in favor of the redelivery policy.
		if nackErr := c.conn.Nack(msg); nackErr != nil {
			return fmt.Errorf("failed to reschedule message: %w (nack also failed: %v)", err, nackErr)
		}
		return fmt.Errorf("failed to reschedule message, nacked instead: %w", err)
	}

	if err := c.conn.Ack(msg); err != nil {
		slog.Warn("Rescheduled message but ack of original failed - broker may redeliver", "error", err, "consumer", c.name)
	}
	return nil
}

// ExtendVisibility is a no-op: the broker holds unacked STOMP deliveries
// indefinitely on a live connection. The handle stays stable.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	return receiptHandle, nil
}

// Healthy reports whether the subscription is still active.
func (c *Consumer) Healthy(ctx context.Context) bool {
	if c.isClosed() {
		return false
	}
	if c.sub != nil && !c.sub.Active() {
		return false
	}
	if c.probe != nil {
		_, err := c.probe.queueSize(ctx)
		return err == nil
	}
	return true
}

// Close unsubscribes. Unacked deliveries return to the queue.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.leases = make(map[string]*stomp.Message)
	c.mu.Unlock()

	if c.sub != nil && c.sub.Active() {
		if err := c.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
	}
	slog.Info("ActiveMQ consumer closed", "consumer", c.name)
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) takeLease(receiptHandle string) (*stomp.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.leases[receiptHandle]
	if ok {
		delete(c.leases, receiptHandle)
	}
	return msg, ok
}

// consoleProbe reads queue depth from the ActiveMQ web console's Jolokia
// endpoint: /api/jolokia/read/org.apache.activemq:type=Broker,... The same
// MBean path the console UI itself queries.
type consoleProbe struct {
	httpClient *http.Client
	baseURL    string
	brokerName string
	queueName  string
	username   string
	password   string
}

// newConsoleProbe returns nil when no console URL is configured.
func newConsoleProbe(cfg *queue.ActiveMQConfig) *consoleProbe {
	if cfg.ConsoleURL == "" {
		return nil
	}
	brokerName := cfg.BrokerName
	if brokerName == "" {
		brokerName = "localhost"
	}
	return &consoleProbe{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    cfg.ConsoleURL,
		brokerName: brokerName,
		queueName:  cfg.QueueName,
		username:   cfg.Username,
		password:   cfg.Password,
	}
}

// queueSize reads the QueueSize attribute of the destination MBean.
func (p *consoleProbe) queueSize(ctx context.Context) (int64, error) {
	url := fmt.Sprintf("%s/api/jolokia/read/org.apache.activemq:type=Broker,brokerName=%s,destinationType=Queue,destinationName=%s/QueueSize",
		p.baseURL, p.brokerName, p.queueName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build console request: %w", err)
	}
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("console request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("console returned status %d", resp.StatusCode)
	}

	var body struct {
		Value  int64 `json:"value"`
		Status int   `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode console response: %w", err)
	}
	if body.Status != http.StatusOK {
		return 0, fmt.Errorf("console read returned jolokia status %d", body.Status)
	}
	return body.Value, nil
}
