//go:build integration

// Integration tests that require Docker and LocalStack.
package sqs

import (
	"context"
	"strconv"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/queue/sqs/testutil"
)

// newIntegrationClient stands up a LocalStack FIFO queue and a client bound to it.
func newIntegrationClient(ctx context.Context, t *testing.T, queueName string) (*Client, func()) {
	t.Helper()

	ls, err := testutil.StartLocalStack(ctx, t)
	if err != nil {
		t.Fatalf("Failed to start LocalStack: %v", err)
	}

	queueURL, err := ls.CreateFIFOQueue(ctx, queueName, false)
	if err != nil {
		ls.Terminate(ctx)
		t.Fatalf("Failed to create FIFO queue: %v", err)
	}

	cfg := &ClientConfig{
		QueueConfig: &queue.SQSConfig{
			QueueURL:            queueURL,
			Region:              "us-east-1",
			WaitTimeSeconds:     1,
			VisibilityTimeout:   5,
			MaxNumberOfMessages: 10,
		},
		CustomEndpoint:  ls.Endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}

	client, err := NewClientWithConfig(ctx, cfg)
	if err != nil {
		ls.Terminate(ctx)
		t.Fatalf("Failed to create client: %v", err)
	}

	return client, func() {
		client.Close()
		ls.Terminate(ctx)
	}
}

// receiveAll drains the queue until want messages arrive or the deadline hits,
// acking each as it goes.
func receiveAll(ctx context.Context, t *testing.T, consumer *Consumer, want int, deadline time.Duration) []queue.QueueMessage {
	t.Helper()

	var received []queue.QueueMessage
	timeout := time.After(deadline)
	for len(received) < want {
		select {
		case <-timeout:
			t.Fatalf("Timeout: received only %d/%d messages", len(received), want)
		default:
		}

		batch, err := consumer.Receive(ctx, 10, time.Second)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		for _, msg := range batch {
			if err := consumer.Ack(ctx, msg.ReceiptHandle); err != nil {
				t.Fatalf("Ack failed: %v", err)
			}
			received = append(received, msg)
		}
	}
	return received
}

// TestSQSIntegration_PublishReceiveAck tests the basic message round trip
func TestSQSIntegration_PublishReceiveAck(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "roundtrip-queue")
	defer cleanup()

	publisher := client.Publisher()
	testData := `{"test": "data", "value": 123}`
	err := publisher.Publish(ctx, &queue.OutboundMessage{
		ID:             "msg-roundtrip-1",
		Body:           []byte(testData),
		MessageGroupID: "group-1",
	})
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	consumer := client.CreateConsumer("roundtrip-consumer")
	received := receiveAll(ctx, t, consumer, 1, 10*time.Second)

	if string(received[0].Body) != testData {
		t.Errorf("Unexpected message body: got %s, want %s", received[0].Body, testData)
	}
	if received[0].MessageGroupID != "group-1" {
		t.Errorf("Unexpected message group: got %s, want group-1", received[0].MessageGroupID)
	}
	if received[0].ReceiptHandle == "" {
		t.Error("Receipt handle should not be empty")
	}

	// Acked message must not come back
	batch, err := consumer.Receive(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("Expected empty queue after ack, got %d messages", len(batch))
	}
}

// TestSQSIntegration_FIFOOrderingWithinGroup tests strict ordering per group
func TestSQSIntegration_FIFOOrderingWithinGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "ordering-queue")
	defer cleanup()

	publisher := client.Publisher()
	payloads := []string{"first", "second", "third", "fourth", "fifth"}
	for i, payload := range payloads {
		err := publisher.Publish(ctx, &queue.OutboundMessage{
			ID:             "order-msg-" + strconv.Itoa(i),
			Body:           []byte(payload),
			MessageGroupID: "order-group-1",
		})
		if err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	consumer := client.CreateConsumer("ordering-consumer")
	received := receiveAll(ctx, t, consumer, len(payloads), 20*time.Second)

	for i, want := range payloads {
		if string(received[i].Body) != want {
			t.Errorf("Message %d: got %s, want %s", i, received[i].Body, want)
		}
	}
}

// TestSQSIntegration_NackRedelivers tests that a nacked message comes back
// with a bumped receive count.
func TestSQSIntegration_NackRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "nack-queue")
	defer cleanup()

	publisher := client.Publisher()
	err := publisher.Publish(ctx, &queue.OutboundMessage{
		ID:             "nack-msg-1",
		Body:           []byte("retry-me"),
		MessageGroupID: "nack-group",
	})
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	consumer := client.CreateConsumer("nack-consumer")

	var first queue.QueueMessage
	deadline := time.After(10 * time.Second)
	for {
		batch, err := consumer.Receive(ctx, 10, time.Second)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if len(batch) > 0 {
			first = batch[0]
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for first delivery")
		default:
		}
	}

	if err := consumer.Nack(ctx, first.ReceiptHandle, time.Second); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	redelivered := receiveAll(ctx, t, consumer, 1, 15*time.Second)
	if string(redelivered[0].Body) != "retry-me" {
		t.Errorf("Unexpected body on redelivery: %s", redelivered[0].Body)
	}
	if redelivered[0].ReceiveCount < 2 {
		t.Errorf("Expected receive count >= 2 after nack, got %d", redelivered[0].ReceiveCount)
	}
}

// TestSQSIntegration_Deduplication tests explicit deduplication IDs
func TestSQSIntegration_Deduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "dedup-queue")
	defer cleanup()

	publisher := client.Publisher()

	// Send 3 messages with the same deduplication ID - only 1 should land
	for i := 0; i < 3; i++ {
		err := publisher.Publish(ctx, &queue.OutboundMessage{
			ID:              "dup-attempt-" + strconv.Itoa(i),
			Body:            []byte("duplicate-message"),
			MessageGroupID:  "dedup-group",
			DeduplicationID: "unique-dedup-id-123",
		})
		if err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	err := publisher.Publish(ctx, &queue.OutboundMessage{
		ID:              "unique-msg",
		Body:            []byte("unique-message"),
		MessageGroupID:  "dedup-group",
		DeduplicationID: "different-dedup-id",
	})
	if err != nil {
		t.Fatalf("Failed to publish unique message: %v", err)
	}

	consumer := client.CreateConsumer("dedup-consumer")
	received := receiveAll(ctx, t, consumer, 2, 15*time.Second)

	// Nothing further should arrive
	time.Sleep(2 * time.Second)
	batch, err := consumer.Receive(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("Expected 2 messages total (1 deduplicated + 1 unique), got extra %d", len(batch))
	}

	if string(received[0].Body) != "duplicate-message" {
		t.Errorf("First message body mismatch: %s", received[0].Body)
	}
	if string(received[1].Body) != "unique-message" {
		t.Errorf("Second message body mismatch: %s", received[1].Body)
	}
}

// TestSQSIntegration_BatchPublish tests batch publishing across chunk boundaries
func TestSQSIntegration_BatchPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "batch-queue")
	defer cleanup()

	// 25 messages across separate groups forces multiple SendMessageBatch calls
	var messages []*queue.OutboundMessage
	for i := 0; i < 25; i++ {
		messages = append(messages, &queue.OutboundMessage{
			ID:             "batch-msg-" + strconv.Itoa(i),
			Body:           []byte(`{"index": ` + strconv.Itoa(i) + `}`),
			MessageGroupID: "batch-group-" + strconv.Itoa(i%5),
		})
	}

	result, err := client.Publisher().PublishBatch(ctx, messages)
	if err != nil {
		t.Fatalf("Failed to publish batch: %v", err)
	}
	if !result.AllSucceeded() {
		t.Fatalf("Expected all messages to succeed, failed=%d", len(result.Failed))
	}

	consumer := client.CreateConsumer("batch-consumer")
	received := receiveAll(ctx, t, consumer, 25, 30*time.Second)
	if len(received) != 25 {
		t.Errorf("Expected 25 messages, got %d", len(received))
	}
}

// TestSQSIntegration_Depth tests the approximate depth probe
func TestSQSIntegration_Depth(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "depth-queue")
	defer cleanup()

	publisher := client.Publisher()
	for i := 0; i < 3; i++ {
		err := publisher.Publish(ctx, &queue.OutboundMessage{
			ID:             "depth-msg-" + strconv.Itoa(i),
			Body:           []byte("depth-test"),
			MessageGroupID: "depth-group-" + strconv.Itoa(i),
		})
		if err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	// ApproximateNumberOfMessages converges; poll until it reflects the backlog
	deadline := time.After(15 * time.Second)
	for {
		depth, err := publisher.Depth(ctx)
		if err != nil {
			t.Fatalf("Depth failed: %v", err)
		}
		if depth >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timeout: depth stuck at %d, want >= 3", depth)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// TestSQSIntegration_HealthCheck tests queue reachability probes
func TestSQSIntegration_HealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	client, cleanup := newIntegrationClient(ctx, t, "health-queue")
	defer cleanup()

	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
	if !client.Publisher().Healthy(ctx) {
		t.Error("Publisher should report healthy")
	}
	if !client.CreateConsumer("health-consumer").Healthy(ctx) {
		t.Error("Consumer should report healthy")
	}
}
