// Package sqs implements the queue contracts on AWS SQS FIFO queues.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// SQSClientAPI defines the interface for SQS client operations (for testing)
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

const (
	// MaxVisibilitySeconds is the SQS ceiling for visibility changes (12 hours).
	MaxVisibilitySeconds = 43200

	// maxWaitSeconds is the SQS long-poll ceiling.
	maxWaitSeconds = 20

	defaultVisibilitySeconds = 120
)

// Client provides publishers and consumers backed by a single SQS FIFO queue.
type Client struct {
	sqs       SQSClientAPI
	config    *queue.SQSConfig
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

// NewClient creates a new SQS client using the default AWS credential chain.
// CustomEndpoint on the config overrides the endpoint (VPC endpoints, LocalStack).
func NewClient(ctx context.Context, cfg *queue.SQSConfig) (*Client, error) {
	applyDefaults(cfg)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var sqsClient *sqs.Client
	if cfg.CustomEndpoint != "" {
		sqsClient = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	} else {
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	return &Client{
		sqs:       sqsClient,
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// ClientConfig holds extended SQS client configuration
type ClientConfig struct {
	QueueConfig *queue.SQSConfig
	// CustomEndpoint is used for LocalStack/testing
	CustomEndpoint string
	// AccessKeyID for custom credentials (optional, for testing)
	AccessKeyID string
	// SecretAccessKey for custom credentials (optional, for testing)
	SecretAccessKey string
}

// NewClientWithConfig creates a new SQS client with static credentials.
// This supports LocalStack integration testing.
func NewClientWithConfig(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	applyDefaults(cfg.QueueConfig)

	if cfg.CustomEndpoint == "" {
		return NewClient(ctx, cfg.QueueConfig)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.QueueConfig.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
	})

	return &Client{
		sqs:       sqsClient,
		config:    cfg.QueueConfig,
		consumers: make(map[string]*Consumer),
	}, nil
}

func applyDefaults(cfg *queue.SQSConfig) {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = maxWaitSeconds
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = defaultVisibilitySeconds
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = queue.MaxBatchSQS
	}
}

// Publisher returns an SQS publisher for the configured queue
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{
		client:   c.sqs,
		queueURL: c.config.QueueURL,
	}
}

// CreateConsumer creates a new consumer for the queue.
// The name parameter is used for logging/identification.
func (c *Client) CreateConsumer(name string) *Consumer {
	consumer := &Consumer{
		client:            c.sqs,
		queueURL:          c.config.QueueURL,
		name:              name,
		visibilityTimeout: c.config.VisibilityTimeout,
		leases:            make(map[string]string),
		pendingDeletes:    make(map[string]struct{}),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	slog.Info("SQS consumer created", "name", name, "queueURL", c.config.QueueURL, "visibilityTimeout", c.config.VisibilityTimeout)

	return consumer
}

// GetConsumer returns an existing consumer by name
func (c *Client) GetConsumer(name string) *Consumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consumers[name]
}

// Connection returns the underlying SQS client for health checks
func (c *Client) Connection() SQSClientAPI {
	return c.sqs
}

// QueueURL returns the configured queue URL
func (c *Client) QueueURL() string {
	return c.config.QueueURL
}

// HealthCheck verifies that the SQS queue is accessible
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := queueDepth(ctx, c.sqs, c.config.QueueURL)
	return err
}

// Close closes the client and all consumers
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, consumer := range c.consumers {
		if err := consumer.Close(); err != nil {
			slog.Error("Error closing consumer", "error", err, "consumer", name)
		}
	}
	c.consumers = make(map[string]*Consumer)

	return nil
}

// queueDepth fetches the approximate number of visible messages.
func queueDepth(ctx context.Context, client SQSClientAPI, queueURL string) (int64, error) {
	input := &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	}

	result, err := client.GetQueueAttributes(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue attributes: %w", err)
	}

	raw, ok := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	if !ok {
		return 0, nil
	}
	depth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse queue depth %q: %w", raw, err)
	}
	return depth, nil
}

// Publisher publishes messages to an SQS FIFO queue.
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

// Publish sends a single message. The message group defaults to "default"
// and the deduplication ID defaults to the message ID, so repeated
// publishes within the SQS dedup window collapse to one enqueue.
func (p *Publisher) Publish(ctx context.Context, msg *queue.OutboundMessage) error {
	if len(msg.Body) == 0 {
		return queue.ErrEmptyBody
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queueURL),
		MessageBody:            aws.String(string(msg.Body)),
		MessageGroupId:         aws.String(groupOrDefault(msg.MessageGroupID)),
		MessageDeduplicationId: aws.String(dedupOrDefault(msg)),
	}

	_, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

// PublishBatch sends messages in chunks of at most 10 (the SQS batch cap)
// and reports per-message outcomes. An error is returned only when every
// message failed.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*queue.OutboundMessage) (*queue.BatchResult, error) {
	result := &queue.BatchResult{}
	if len(msgs) == 0 {
		return result, nil
	}

	for i := 0; i < len(msgs); i += queue.MaxBatchSQS {
		end := i + queue.MaxBatchSQS
		if end > len(msgs) {
			end = len(msgs)
		}
		p.publishChunk(ctx, msgs[i:end], i, result)
	}

	if len(result.Succeeded) == 0 && len(result.Failed) > 0 {
		return result, fmt.Errorf("sqs: all %d messages failed to publish", len(result.Failed))
	}
	return result, nil
}

// publishChunk sends one SendMessageBatch call and appends outcomes to result.
// Batch entry IDs are offsets into the full message slice so failures map
// back to message IDs.
func (p *Publisher) publishChunk(ctx context.Context, msgs []*queue.OutboundMessage, offset int, result *queue.BatchResult) {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(msgs))
	skipped := make(map[int]struct{})

	for j, msg := range msgs {
		if len(msg.Body) == 0 {
			result.Failed = append(result.Failed, queue.PublishResult{ID: msg.ID, Err: queue.ErrEmptyBody})
			skipped[j] = struct{}{}
			continue
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:                     aws.String(strconv.Itoa(offset + j)),
			MessageBody:            aws.String(string(msg.Body)),
			MessageGroupId:         aws.String(groupOrDefault(msg.MessageGroupID)),
			MessageDeduplicationId: aws.String(dedupOrDefault(msg)),
		})
	}
	if len(entries) == 0 {
		return
	}

	input := &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(p.queueURL),
		Entries:  entries,
	}

	out, err := p.client.SendMessageBatch(ctx, input)
	if err != nil {
		for j, msg := range msgs {
			if _, ok := skipped[j]; ok {
				continue
			}
			result.Failed = append(result.Failed, queue.PublishResult{ID: msg.ID, Err: fmt.Errorf("failed to send SQS batch: %w", err)})
		}
		return
	}

	for _, entry := range out.Successful {
		if j, ok := entryIndex(entry.Id, offset, len(msgs)); ok {
			result.Succeeded = append(result.Succeeded, queue.PublishResult{ID: msgs[j].ID})
		}
	}
	for _, entry := range out.Failed {
		if j, ok := entryIndex(entry.Id, offset, len(msgs)); ok {
			result.Failed = append(result.Failed, queue.PublishResult{
				ID:  msgs[j].ID,
				Err: fmt.Errorf("sqs batch entry failed: %s: %s", aws.ToString(entry.Code), aws.ToString(entry.Message)),
			})
		}
	}
	if len(out.Failed) > 0 {
		slog.Warn("Some SQS batch messages failed to send", "failed", len(out.Failed), "successful", len(out.Successful))
	}
}

// entryIndex converts a batch entry ID back to a chunk-relative index.
func entryIndex(id *string, offset, chunkLen int) (int, bool) {
	n, err := strconv.Atoi(aws.ToString(id))
	if err != nil {
		return 0, false
	}
	j := n - offset
	if j < 0 || j >= chunkLen {
		return 0, false
	}
	return j, true
}

// Depth returns the approximate number of visible messages.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	return queueDepth(ctx, p.client, p.queueURL)
}

// Healthy reports whether the queue attributes endpoint is reachable.
func (p *Publisher) Healthy(ctx context.Context) bool {
	_, err := queueDepth(ctx, p.client, p.queueURL)
	return err == nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// Consumer consumes messages from SQS using receive/ack by receipt handle.
type Consumer struct {
	client            SQSClientAPI
	queueURL          string
	name              string
	visibilityTimeout int32

	// leases maps outstanding receipt handles to SQS message IDs so an
	// expired-handle ack can mark the message for deletion on redelivery.
	leases map[string]string
	// pendingDeletes holds SQS message IDs that were processed but whose
	// delete failed (receipt handle expired). When these reappear in the
	// queue, they are deleted immediately instead of being handed out again.
	pendingDeletes map[string]struct{}
	mu             sync.Mutex

	closed   bool
	closedMu sync.Mutex
}

// Receive fetches up to maxMessages messages, long-polling up to wait.
// SQS caps the batch at 10 and the poll at 20 seconds.
func (c *Consumer) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.QueueMessage, error) {
	if c.isClosed() {
		return nil, queue.ErrClosed
	}

	batch := int32(maxMessages)
	if batch < 1 {
		batch = 1
	}
	if batch > queue.MaxBatchSQS {
		batch = queue.MaxBatchSQS
	}

	waitSeconds := int32(wait / time.Second)
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > maxWaitSeconds {
		waitSeconds = maxWaitSeconds
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   batch,
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     c.visibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]queue.QueueMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		sqsMessageID := aws.ToString(msg.MessageId)
		receiptHandle := aws.ToString(msg.ReceiptHandle)

		if c.takePendingDelete(sqsMessageID) {
			// Already processed on a previous delivery - delete it now
			slog.Info("SQS message was previously processed - deleting now", "sqsMessageId", sqsMessageID)
			if err := c.deleteByHandle(ctx, receiptHandle); err != nil {
				slog.Warn("Failed to delete previously processed message", "error", err, "sqsMessageId", sqsMessageID)
				c.markForDeletion(sqsMessageID)
			}
			continue
		}

		c.recordLease(receiptHandle, sqsMessageID)
		messages = append(messages, toQueueMessage(&msg, sqsMessageID, receiptHandle))
	}

	return messages, nil
}

// toQueueMessage maps an SQS message to the transport-neutral shape.
func toQueueMessage(msg *types.Message, sqsMessageID, receiptHandle string) queue.QueueMessage {
	receiveCount := 0
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			receiveCount = n
		}
	}

	attrs := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}

	return queue.QueueMessage{
		MessageID:       sqsMessageID,
		Body:            []byte(aws.ToString(msg.Body)),
		MessageGroupID:  msg.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
		DeduplicationID: msg.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)],
		ReceiptHandle:   receiptHandle,
		ReceiveCount:    receiveCount,
		Attributes:      attrs,
	}
}

// Ack deletes the message identified by the receipt handle. An expired
// handle is not an error: the message is marked for deletion on its next
// delivery instead.
func (c *Consumer) Ack(ctx context.Context, receiptHandle string) error {
	sqsMessageID := c.releaseLease(receiptHandle)

	if err := c.deleteByHandle(ctx, receiptHandle); err != nil {
		if isReceiptHandleExpiredError(err) {
			if sqsMessageID != "" {
				c.markForDeletion(sqsMessageID)
			}
			slog.Info("Receipt handle expired - marked for deletion on next poll", "sqsMessageId", sqsMessageID)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}

	slog.Debug("SQS message deleted", "sqsMessageId", sqsMessageID)
	return nil
}

// Nack makes the message redeliverable after delay by shrinking its
// visibility timeout. A zero delay exposes it immediately.
func (c *Consumer) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	c.releaseLease(receiptHandle)

	seconds := int32(delay / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}

	return c.changeVisibility(ctx, receiptHandle, seconds)
}

// ExtendVisibility pushes the visibility deadline out. SQS keeps receipt
// handles stable across extensions, so the handle passed in is returned.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	seconds := int32(visibility / time.Second)
	if seconds < 1 {
		seconds = c.visibilityTimeout
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}

	if err := c.changeVisibility(ctx, receiptHandle, seconds); err != nil {
		return receiptHandle, err
	}
	return receiptHandle, nil
}

// Healthy reports whether the queue attributes endpoint is reachable.
func (c *Consumer) Healthy(ctx context.Context) bool {
	_, err := queueDepth(ctx, c.client, c.queueURL)
	return err == nil
}

// Close marks the consumer closed. Outstanding leases redeliver after
// their visibility timeout expires.
func (c *Consumer) Close() error {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
	slog.Info("SQS consumer closed", "consumer", c.name)
	return nil
}

func (c *Consumer) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// deleteByHandle deletes a message from the queue
func (c *Consumer) deleteByHandle(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}

	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	return err
}

// changeVisibility changes the message visibility timeout. An expired
// receipt handle is treated as a no-op.
func (c *Consumer) changeVisibility(ctx context.Context, receiptHandle string, timeout int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: timeout,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			slog.Debug("Receipt handle expired - cannot change visibility", "consumer", c.name)
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}

	slog.Debug("Changed message visibility", "consumer", c.name, "timeout", timeout)
	return nil
}

// recordLease remembers the handle for an in-flight message. Stale entries
// for the same message ID (an earlier delivery whose handle is now dead)
// are dropped so the map stays bounded by the in-flight count.
func (c *Consumer) recordLease(receiptHandle, sqsMessageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, id := range c.leases {
		if id == sqsMessageID {
			delete(c.leases, handle)
		}
	}
	c.leases[receiptHandle] = sqsMessageID
}

// releaseLease forgets the handle and returns the SQS message ID it leased.
func (c *Consumer) releaseLease(receiptHandle string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	sqsMessageID := c.leases[receiptHandle]
	delete(c.leases, receiptHandle)
	return sqsMessageID
}

// markForDeletion adds a message ID to the pending delete set
func (c *Consumer) markForDeletion(sqsMessageID string) {
	c.mu.Lock()
	c.pendingDeletes[sqsMessageID] = struct{}{}
	c.mu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "sqsMessageId", sqsMessageID)
}

// takePendingDelete reports and clears pending-delete state for a message ID.
func (c *Consumer) takePendingDelete(sqsMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pendingDeletes[sqsMessageID]; ok {
		delete(c.pendingDeletes, sqsMessageID)
		return true
	}
	return false
}

// groupOrDefault returns the FIFO message group, falling back to "default".
// SQS FIFO queues require a group on every message.
func groupOrDefault(group string) string {
	if group == "" {
		return "default"
	}
	return group
}

// dedupOrDefault returns the deduplication ID, falling back to the message ID.
func dedupOrDefault(msg *queue.OutboundMessage) string {
	if msg.DeduplicationID != "" {
		return msg.DeduplicationID
	}
	return msg.ID
}

// isReceiptHandleExpiredError checks if the error is due to expired receipt handle
func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "receipt handle has expired") ||
		strings.Contains(errStr, "ReceiptHandleIsInvalid")
}
