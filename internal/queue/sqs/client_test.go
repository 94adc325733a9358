package sqs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// MockSQSClient implements a mock SQS client for testing
type MockSQSClient struct {
	receiveMessageFunc          func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	deleteMessageFunc           func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	changeMessageVisibilityFunc func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	sendMessageFunc             func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	sendMessageBatchFunc        func(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	getQueueAttributesFunc      func(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)

	receiveMessageCalls          atomic.Int32
	deleteMessageCalls           atomic.Int32
	changeMessageVisibilityCalls atomic.Int32
	sendMessageCalls             atomic.Int32
	sendMessageBatchCalls        atomic.Int32

	mu                    sync.Mutex
	deletedReceiptHandles []string
	visibilityChanges     []visibilityChange
}

type visibilityChange struct {
	receiptHandle string
	timeout       int32
}

func NewMockSQSClient() *MockSQSClient {
	return &MockSQSClient{
		deletedReceiptHandles: make([]string, 0),
		visibilityChanges:     make([]visibilityChange, 0),
	}
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveMessageCalls.Add(1)
	if m.receiveMessageFunc != nil {
		return m.receiveMessageFunc(ctx, params, optFns...)
	}
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{}}, nil
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleteMessageCalls.Add(1)
	m.mu.Lock()
	if params.ReceiptHandle != nil {
		m.deletedReceiptHandles = append(m.deletedReceiptHandles, *params.ReceiptHandle)
	}
	m.mu.Unlock()
	if m.deleteMessageFunc != nil {
		return m.deleteMessageFunc(ctx, params, optFns...)
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.changeMessageVisibilityCalls.Add(1)
	m.mu.Lock()
	if params.ReceiptHandle != nil {
		m.visibilityChanges = append(m.visibilityChanges, visibilityChange{
			receiptHandle: *params.ReceiptHandle,
			timeout:       params.VisibilityTimeout,
		})
	}
	m.mu.Unlock()
	if m.changeMessageVisibilityFunc != nil {
		return m.changeMessageVisibilityFunc(ctx, params, optFns...)
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *MockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sendMessageCalls.Add(1)
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{
		MessageId: aws.String("mock-message-id"),
	}, nil
}

func (m *MockSQSClient) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	m.sendMessageBatchCalls.Add(1)
	if m.sendMessageBatchFunc != nil {
		return m.sendMessageBatchFunc(ctx, params, optFns...)
	}
	successful := make([]types.SendMessageBatchResultEntry, len(params.Entries))
	for i, entry := range params.Entries {
		successful[i] = types.SendMessageBatchResultEntry{
			Id:        entry.Id,
			MessageId: aws.String("mock-batch-msg-" + *entry.Id),
		}
	}
	return &sqs.SendMessageBatchOutput{
		Successful: successful,
	}, nil
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.getQueueAttributesFunc != nil {
		return m.getQueueAttributesFunc(ctx, params, optFns...)
	}
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			"ApproximateNumberOfMessages": "0",
		},
	}, nil
}

func (m *MockSQSClient) GetDeletedReceiptHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.deletedReceiptHandles...)
}

func (m *MockSQSClient) GetVisibilityChanges() []visibilityChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]visibilityChange{}, m.visibilityChanges...)
}

func newTestConsumer(mockClient *MockSQSClient) *Consumer {
	return &Consumer{
		client:            mockClient,
		queueURL:          "https://sqs.us-east-1.amazonaws.com/123456789/test-queue.fifo",
		name:              "test-consumer",
		visibilityTimeout: 120,
		leases:            make(map[string]string),
		pendingDeletes:    make(map[string]struct{}),
	}
}

func newTestPublisher(mockClient *MockSQSClient) *Publisher {
	return &Publisher{
		client:   mockClient,
		queueURL: "https://sqs.us-east-1.amazonaws.com/123456789/test-queue.fifo",
	}
}

// TestPublishSetsFIFOAttributes tests that every publish carries a message
// group and a deduplication ID, defaulting the group to "default" and the
// dedup ID to the message ID.
func TestPublishSetsFIFOAttributes(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.SendMessageInput

	mockClient.sendMessageFunc = func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
		capturedInput = params
		return &sqs.SendMessageOutput{MessageId: aws.String("published-msg-1")}, nil
	}

	publisher := newTestPublisher(mockClient)

	err := publisher.Publish(context.Background(), &queue.OutboundMessage{
		ID:   "msg-1",
		Body: []byte(`{"event": "test"}`),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if capturedInput == nil {
		t.Fatal("No input captured")
	}
	if aws.ToString(capturedInput.MessageBody) != `{"event": "test"}` {
		t.Errorf("Message body mismatch: got %s", aws.ToString(capturedInput.MessageBody))
	}
	if aws.ToString(capturedInput.MessageGroupId) != "default" {
		t.Errorf("Expected default message group, got %s", aws.ToString(capturedInput.MessageGroupId))
	}
	if aws.ToString(capturedInput.MessageDeduplicationId) != "msg-1" {
		t.Errorf("Expected dedup ID msg-1, got %s", aws.ToString(capturedInput.MessageDeduplicationId))
	}
}

// TestPublishExplicitGroupAndDedup tests that explicit FIFO attributes win
// over the defaults.
func TestPublishExplicitGroupAndDedup(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.SendMessageInput

	mockClient.sendMessageFunc = func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
		capturedInput = params
		return &sqs.SendMessageOutput{MessageId: aws.String("published-msg-2")}, nil
	}

	publisher := newTestPublisher(mockClient)

	err := publisher.Publish(context.Background(), &queue.OutboundMessage{
		ID:              "msg-2",
		Body:            []byte(`{}`),
		MessageGroupID:  "group-abc",
		DeduplicationID: "dedup-123",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if aws.ToString(capturedInput.MessageGroupId) != "group-abc" {
		t.Errorf("MessageGroupId not set correctly: got %s", aws.ToString(capturedInput.MessageGroupId))
	}
	if aws.ToString(capturedInput.MessageDeduplicationId) != "dedup-123" {
		t.Errorf("MessageDeduplicationId not set correctly: got %s", aws.ToString(capturedInput.MessageDeduplicationId))
	}
}

// TestPublishEmptyBodyRejected tests that empty bodies never reach SQS
func TestPublishEmptyBodyRejected(t *testing.T) {
	mockClient := NewMockSQSClient()
	publisher := newTestPublisher(mockClient)

	err := publisher.Publish(context.Background(), &queue.OutboundMessage{ID: "msg-empty"})
	if !errors.Is(err, queue.ErrEmptyBody) {
		t.Fatalf("Expected ErrEmptyBody, got %v", err)
	}
	if mockClient.sendMessageCalls.Load() != 0 {
		t.Errorf("Expected 0 send calls, got %d", mockClient.sendMessageCalls.Load())
	}
}

// TestPublishBatchChunksAtTen tests that batches are split at the SQS cap
func TestPublishBatchChunksAtTen(t *testing.T) {
	mockClient := NewMockSQSClient()
	publisher := newTestPublisher(mockClient)

	messages := make([]*queue.OutboundMessage, 0, 15)
	for i := 0; i < 15; i++ {
		messages = append(messages, &queue.OutboundMessage{
			ID:             "msg-" + strconv.Itoa(i),
			Body:           []byte(`{"index": ` + strconv.Itoa(i) + `}`),
			MessageGroupID: "group-1",
		})
	}

	result, err := publisher.PublishBatch(context.Background(), messages)
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	// 15 messages should require 2 batches (10 + 5)
	if mockClient.sendMessageBatchCalls.Load() != 2 {
		t.Errorf("Expected 2 batch calls for 15 messages, got %d", mockClient.sendMessageBatchCalls.Load())
	}
	if !result.AllSucceeded() {
		t.Errorf("Expected all messages to succeed, failed=%d", len(result.Failed))
	}
	if len(result.Succeeded) != 15 {
		t.Errorf("Expected 15 successes, got %d", len(result.Succeeded))
	}
}

// TestPublishBatchReportsPartialFailure tests per-message outcomes when SQS
// rejects individual batch entries.
func TestPublishBatchReportsPartialFailure(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.sendMessageBatchFunc = func(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
		out := &sqs.SendMessageBatchOutput{}
		for _, entry := range params.Entries {
			if aws.ToString(entry.Id) == "1" {
				out.Failed = append(out.Failed, types.BatchResultErrorEntry{
					Id:      entry.Id,
					Code:    aws.String("InternalError"),
					Message: aws.String("try again"),
				})
				continue
			}
			out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{Id: entry.Id})
		}
		return out, nil
	}

	publisher := newTestPublisher(mockClient)

	messages := []*queue.OutboundMessage{
		{ID: "msg-a", Body: []byte(`{}`)},
		{ID: "msg-b", Body: []byte(`{}`)},
		{ID: "msg-c", Body: []byte(`{}`)},
	}

	result, err := publisher.PublishBatch(context.Background(), messages)
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	if !result.Partial() {
		t.Fatalf("Expected partial result, succeeded=%d failed=%d", len(result.Succeeded), len(result.Failed))
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "msg-b" {
		t.Errorf("Expected msg-b to fail, got %+v", result.Failed)
	}
	if result.Failed[0].Err == nil {
		t.Error("Failed entry should carry an error")
	}
}

// TestPublishBatchAllFailedReturnsError tests that a dead transport surfaces
// as an error alongside the per-message failures.
func TestPublishBatchAllFailedReturnsError(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.sendMessageBatchFunc = func(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
		return nil, errors.New("connection refused")
	}

	publisher := newTestPublisher(mockClient)

	messages := []*queue.OutboundMessage{
		{ID: "msg-a", Body: []byte(`{}`)},
		{ID: "msg-b", Body: []byte(`{}`)},
	}

	result, err := publisher.PublishBatch(context.Background(), messages)
	if err == nil {
		t.Fatal("Expected error when every message fails")
	}
	if len(result.Failed) != 2 {
		t.Errorf("Expected 2 failures, got %d", len(result.Failed))
	}
	if len(result.Succeeded) != 0 {
		t.Errorf("Expected 0 successes, got %d", len(result.Succeeded))
	}
}

// TestReceiveMapsSystemAttributes tests mapping of SQS messages into the
// transport-neutral shape.
func TestReceiveMapsSystemAttributes(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.receiveMessageFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
		return &sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{
					MessageId:     aws.String("sqs-msg-1"),
					Body:          aws.String(`{"id": "job-1"}`),
					ReceiptHandle: aws.String("receipt-1"),
					Attributes: map[string]string{
						"MessageGroupId":          "group-7",
						"MessageDeduplicationId":  "dedup-7",
						"ApproximateReceiveCount": "3",
					},
				},
			},
		}, nil
	}

	consumer := newTestConsumer(mockClient)

	messages, err := consumer.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}

	msg := messages[0]
	if msg.MessageID != "sqs-msg-1" {
		t.Errorf("MessageID mismatch: got %s", msg.MessageID)
	}
	if string(msg.Body) != `{"id": "job-1"}` {
		t.Errorf("Body mismatch: got %s", msg.Body)
	}
	if msg.MessageGroupID != "group-7" {
		t.Errorf("MessageGroupID mismatch: got %s", msg.MessageGroupID)
	}
	if msg.DeduplicationID != "dedup-7" {
		t.Errorf("DeduplicationID mismatch: got %s", msg.DeduplicationID)
	}
	if msg.ReceiptHandle != "receipt-1" {
		t.Errorf("ReceiptHandle mismatch: got %s", msg.ReceiptHandle)
	}
	if msg.ReceiveCount != 3 {
		t.Errorf("ReceiveCount mismatch: got %d", msg.ReceiveCount)
	}
}

// TestReceiveCapsBatchAndWait tests that receive parameters are clamped to
// the SQS limits (10 messages, 20 second poll).
func TestReceiveCapsBatchAndWait(t *testing.T) {
	mockClient := NewMockSQSClient()
	var capturedInput *sqs.ReceiveMessageInput
	mockClient.receiveMessageFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
		capturedInput = params
		return &sqs.ReceiveMessageOutput{}, nil
	}

	consumer := newTestConsumer(mockClient)

	_, err := consumer.Receive(context.Background(), 50, 90*time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if capturedInput.MaxNumberOfMessages != 10 {
		t.Errorf("Expected batch cap 10, got %d", capturedInput.MaxNumberOfMessages)
	}
	if capturedInput.WaitTimeSeconds != 20 {
		t.Errorf("Expected wait cap 20, got %d", capturedInput.WaitTimeSeconds)
	}
	if capturedInput.VisibilityTimeout != 120 {
		t.Errorf("Expected visibility 120, got %d", capturedInput.VisibilityTimeout)
	}
}

// TestAckDeletesByReceiptHandle tests that Ack deletes the message from SQS
func TestAckDeletesByReceiptHandle(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestConsumer(mockClient)

	err := consumer.Ack(context.Background(), "receipt-handle-1")
	if err != nil {
		t.Fatalf("Ack returned error: %v", err)
	}

	if mockClient.deleteMessageCalls.Load() != 1 {
		t.Errorf("Expected 1 delete call, got %d", mockClient.deleteMessageCalls.Load())
	}

	deleted := mockClient.GetDeletedReceiptHandles()
	if len(deleted) != 1 || deleted[0] != "receipt-handle-1" {
		t.Errorf("Expected receipt-handle-1 to be deleted, got %v", deleted)
	}
}

// TestAckExpiredHandleMarksPendingDelete tests that an expired receipt handle
// is not an error and that the message is deleted on its next delivery
// instead of being handed out again.
func TestAckExpiredHandleMarksPendingDelete(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.receiveMessageFunc = func(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
		return &sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{
					MessageId:     aws.String("sqs-msg-expired"),
					Body:          aws.String(`{}`),
					ReceiptHandle: aws.String("receipt-" + strconv.Itoa(int(mockClient.receiveMessageCalls.Load()))),
				},
			},
		}, nil
	}

	consumer := newTestConsumer(mockClient)
	ctx := context.Background()

	messages, err := consumer.Receive(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}

	// Delete fails with an expired handle on the first attempt only
	failedOnce := false
	mockClient.deleteMessageFunc = func(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
		if !failedOnce {
			failedOnce = true
			return nil, errors.New("The receipt handle has expired")
		}
		return &sqs.DeleteMessageOutput{}, nil
	}

	if err := consumer.Ack(ctx, messages[0].ReceiptHandle); err != nil {
		t.Fatalf("Ack should handle expired receipt gracefully, got error: %v", err)
	}

	// The redelivered copy must be deleted immediately, not handed out
	redelivered, err := consumer.Receive(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(redelivered) != 0 {
		t.Errorf("Expected redelivered message to be swallowed, got %d messages", len(redelivered))
	}
	if mockClient.deleteMessageCalls.Load() != 2 {
		t.Errorf("Expected 2 delete calls (failed + retry), got %d", mockClient.deleteMessageCalls.Load())
	}
}

// TestNackSetsVisibilityDelay tests nack with a redelivery delay
func TestNackSetsVisibilityDelay(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestConsumer(mockClient)

	err := consumer.Nack(context.Background(), "receipt-delay", 60*time.Second)
	if err != nil {
		t.Fatalf("Nack returned error: %v", err)
	}

	// Nack must never delete the message
	if mockClient.deleteMessageCalls.Load() != 0 {
		t.Errorf("Expected 0 delete calls for nack, got %d", mockClient.deleteMessageCalls.Load())
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != 60 {
		t.Errorf("Expected visibility 60, got %d", changes[0].timeout)
	}
}

// TestNackClampsDelayToSQSMax tests the 12 hour visibility ceiling
func TestNackClampsDelayToSQSMax(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestConsumer(mockClient)

	err := consumer.Nack(context.Background(), "receipt-max", 24*time.Hour)
	if err != nil {
		t.Fatalf("Nack returned error: %v", err)
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != MaxVisibilitySeconds {
		t.Errorf("Expected visibility %d, got %d", MaxVisibilitySeconds, changes[0].timeout)
	}
}

// TestNackExpiredHandleIsNoOp tests that nacking a dead handle is silent;
// the message redelivers on its own once the visibility timeout lapses.
func TestNackExpiredHandleIsNoOp(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.changeMessageVisibilityFunc = func(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
		return nil, errors.New("ReceiptHandleIsInvalid: some details")
	}

	consumer := newTestConsumer(mockClient)

	err := consumer.Nack(context.Background(), "dead-receipt", 30*time.Second)
	if err != nil {
		t.Fatalf("Nack should swallow expired handles, got error: %v", err)
	}
}

// TestExtendVisibilityReturnsSameHandle tests that SQS extensions keep the
// receipt handle stable.
func TestExtendVisibilityReturnsSameHandle(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestConsumer(mockClient)

	handle, err := consumer.ExtendVisibility(context.Background(), "receipt-progress", 2*time.Minute)
	if err != nil {
		t.Fatalf("ExtendVisibility returned error: %v", err)
	}
	if handle != "receipt-progress" {
		t.Errorf("Expected unchanged handle, got %s", handle)
	}

	changes := mockClient.GetVisibilityChanges()
	if len(changes) != 1 {
		t.Fatalf("Expected 1 visibility change, got %d", len(changes))
	}
	if changes[0].timeout != 120 {
		t.Errorf("Expected visibility 120, got %d", changes[0].timeout)
	}
}

// TestDepthParsesApproximateCount tests queue depth retrieval
func TestDepthParsesApproximateCount(t *testing.T) {
	mockClient := NewMockSQSClient()
	mockClient.getQueueAttributesFunc = func(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
		return &sqs.GetQueueAttributesOutput{
			Attributes: map[string]string{
				"ApproximateNumberOfMessages": "42",
			},
		}, nil
	}

	publisher := newTestPublisher(mockClient)

	depth, err := publisher.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth returned error: %v", err)
	}
	if depth != 42 {
		t.Errorf("Expected depth 42, got %d", depth)
	}
}

// TestHealthyReflectsAttributeErrors tests the health probe
func TestHealthyReflectsAttributeErrors(t *testing.T) {
	mockClient := NewMockSQSClient()
	publisher := newTestPublisher(mockClient)
	consumer := newTestConsumer(mockClient)

	if !publisher.Healthy(context.Background()) {
		t.Error("Expected publisher to be healthy")
	}
	if !consumer.Healthy(context.Background()) {
		t.Error("Expected consumer to be healthy")
	}

	mockClient.getQueueAttributesFunc = func(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
		return nil, errors.New("access denied")
	}

	if publisher.Healthy(context.Background()) {
		t.Error("Expected publisher to be unhealthy")
	}
	if consumer.Healthy(context.Background()) {
		t.Error("Expected consumer to be unhealthy")
	}
}

// TestClosedConsumerRejectsReceive tests receive after close
func TestClosedConsumerRejectsReceive(t *testing.T) {
	mockClient := NewMockSQSClient()
	consumer := newTestConsumer(mockClient)

	if err := consumer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	_, err := consumer.Receive(context.Background(), 10, time.Second)
	if !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

// TestIsReceiptHandleExpiredError tests error detection
func TestIsReceiptHandleExpiredError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "receipt handle expired",
			err:      errors.New("The receipt handle has expired"),
			expected: true,
		},
		{
			name:     "receipt handle invalid",
			err:      errors.New("ReceiptHandleIsInvalid: some details"),
			expected: true,
		},
		{
			name:     "other error",
			err:      errors.New("connection timeout"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isReceiptHandleExpiredError(tt.err)
			if result != tt.expected {
				t.Errorf("isReceiptHandleExpiredError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

// Ensure MockSQSClient implements SQSClientAPI
var _ SQSClientAPI = (*MockSQSClient)(nil)
