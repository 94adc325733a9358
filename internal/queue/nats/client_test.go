package nats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// fakeJetStream stubs the JetStream operations the publisher uses.
// Unstubbed methods panic via the embedded nil interface.
type fakeJetStream struct {
	jetstream.JetStream
	publishMsgFunc  func(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	streamFunc      func(ctx context.Context, stream string) (jetstream.Stream, error)
	accountInfoFunc func(ctx context.Context) (*jetstream.AccountInfo, error)

	publishCalls atomic.Int32
}

func (f *fakeJetStream) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.publishCalls.Add(1)
	if f.publishMsgFunc != nil {
		return f.publishMsgFunc(ctx, msg, opts...)
	}
	return &jetstream.PubAck{Stream: "DISPATCH", Sequence: uint64(f.publishCalls.Load())}, nil
}

func (f *fakeJetStream) Stream(ctx context.Context, stream string) (jetstream.Stream, error) {
	if f.streamFunc != nil {
		return f.streamFunc(ctx, stream)
	}
	return nil, errors.New("stream not stubbed")
}

func (f *fakeJetStream) AccountInfo(ctx context.Context) (*jetstream.AccountInfo, error) {
	if f.accountInfoFunc != nil {
		return f.accountInfoFunc(ctx)
	}
	return &jetstream.AccountInfo{}, nil
}

// fakeStream stubs stream info lookups for depth probes.
type fakeStream struct {
	jetstream.Stream
	info *jetstream.StreamInfo
	err  error
}

func (f *fakeStream) Info(ctx context.Context, opts ...jetstream.StreamInfoOpt) (*jetstream.StreamInfo, error) {
	return f.info, f.err
}

// fakeMsg is a JetStream message that records settlement calls.
type fakeMsg struct {
	jetstream.Msg
	data    []byte
	headers nats.Header
	subject string
	meta    *jetstream.MsgMetadata

	acks       atomic.Int32
	naks       atomic.Int32
	nakDelay   time.Duration
	inProgress atomic.Int32
}

func newFakeMsg(id, group string, body []byte, delivered uint64) *fakeMsg {
	headers := make(nats.Header)
	if id != "" {
		headers.Set(HeaderMsgID, id)
	}
	if group != "" {
		headers.Set(HeaderMsgGroup, group)
	}
	return &fakeMsg{
		data:    body,
		headers: headers,
		subject: subjectForGroup("dispatch", group),
		meta: &jetstream.MsgMetadata{
			Stream:       "DISPATCH",
			NumDelivered: delivered,
			Sequence:     jetstream.SequencePair{Stream: 42, Consumer: 42},
		},
	}
}

func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return m.headers }
func (m *fakeMsg) Subject() string                           { return m.subject }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return m.meta, nil }
func (m *fakeMsg) Ack() error                                { m.acks.Add(1); return nil }
func (m *fakeMsg) Nak() error                                { m.naks.Add(1); return nil }
func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naks.Add(1)
	m.nakDelay = delay
	return nil
}
func (m *fakeMsg) InProgress() error { m.inProgress.Add(1); return nil }

// fakeBatch implements jetstream.MessageBatch over a prefilled channel.
type fakeBatch struct {
	ch  chan jetstream.Msg
	err error
}

func newFakeBatch(msgs ...jetstream.Msg) *fakeBatch {
	ch := make(chan jetstream.Msg, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeBatch{ch: ch}
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.ch }
func (b *fakeBatch) Error() error                   { return b.err }

// fakeJSConsumer stubs the pull consumer fetch path.
type fakeJSConsumer struct {
	jetstream.Consumer
	fetchFunc func(batch int) (jetstream.MessageBatch, error)
	infoErr   error
}

func (f *fakeJSConsumer) Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	if f.fetchFunc != nil {
		return f.fetchFunc(batch)
	}
	return newFakeBatch(), nil
}

func (f *fakeJSConsumer) FetchNoWait(batch int) (jetstream.MessageBatch, error) {
	if f.fetchFunc != nil {
		return f.fetchFunc(batch)
	}
	return newFakeBatch(), nil
}

func (f *fakeJSConsumer) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &jetstream.ConsumerInfo{}, nil
}

// TestSubjectForGroup tests group to subject token mapping
func TestSubjectForGroup(t *testing.T) {
	tests := []struct {
		group string
		want  string
	}{
		{"order-123", "dispatch.order-123"},
		{"", "dispatch.default"},
		{"acct/7*x", "dispatch.acct-7-x"},
		{"a.b c", "dispatch.a-b-c"},
		{"UPPER_case-9", "dispatch.UPPER_case-9"},
	}

	for _, tt := range tests {
		if got := subjectForGroup("dispatch", tt.group); got != tt.want {
			t.Errorf("subjectForGroup(%q) = %q, want %q", tt.group, got, tt.want)
		}
	}
}

// TestPublishSetsSubjectAndHeaders tests that the group selects the subject
// and the dedup ID defaults to the message ID.
func TestPublishSetsSubjectAndHeaders(t *testing.T) {
	js := &fakeJetStream{}
	var captured *nats.Msg
	js.publishMsgFunc = func(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
		captured = msg
		return &jetstream.PubAck{}, nil
	}

	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	err := publisher.Publish(context.Background(), &queue.OutboundMessage{
		ID:             "job-1",
		Body:           []byte(`{"id":"job-1"}`),
		MessageGroupID: "group/7",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if captured.Subject != "dispatch.group-7" {
		t.Errorf("Subject mismatch: got %s", captured.Subject)
	}
	if captured.Header.Get(HeaderMsgID) != "job-1" {
		t.Errorf("Expected dedup header job-1, got %s", captured.Header.Get(HeaderMsgID))
	}
	if captured.Header.Get(HeaderMsgGroup) != "group/7" {
		t.Errorf("Expected verbatim group header, got %s", captured.Header.Get(HeaderMsgGroup))
	}
}

// TestPublishEmptyBodyRejected tests that empty bodies never reach the stream
func TestPublishEmptyBodyRejected(t *testing.T) {
	js := &fakeJetStream{}
	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	err := publisher.Publish(context.Background(), &queue.OutboundMessage{ID: "empty"})
	if !errors.Is(err, queue.ErrEmptyBody) {
		t.Fatalf("Expected ErrEmptyBody, got %v", err)
	}
	if js.publishCalls.Load() != 0 {
		t.Errorf("Expected 0 publish calls, got %d", js.publishCalls.Load())
	}
}

// TestPublishBatchCollectsFailures tests per-message outcomes
func TestPublishBatchCollectsFailures(t *testing.T) {
	js := &fakeJetStream{}
	js.publishMsgFunc = func(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
		if msg.Header.Get(HeaderMsgID) == "msg-bad" {
			return nil, errors.New("no responders")
		}
		return &jetstream.PubAck{}, nil
	}

	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	msgs := []*queue.OutboundMessage{
		{ID: "msg-a", Body: []byte(`{}`)},
		{ID: "msg-bad", Body: []byte(`{}`)},
		{ID: "msg-c", Body: []byte(`{}`)},
	}

	result, err := publisher.PublishBatch(context.Background(), msgs)
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	if !result.Partial() {
		t.Fatalf("Expected partial result, succeeded=%d failed=%d", len(result.Succeeded), len(result.Failed))
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "msg-bad" {
		t.Errorf("Expected msg-bad to fail, got %+v", result.Failed)
	}
}

// TestPublishBatchAllFailedReturnsError tests the all-failed escalation
func TestPublishBatchAllFailedReturnsError(t *testing.T) {
	js := &fakeJetStream{}
	js.publishMsgFunc = func(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
		return nil, errors.New("connection closed")
	}

	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	msgs := []*queue.OutboundMessage{
		{ID: "msg-a", Body: []byte(`{}`)},
		{ID: "msg-b", Body: []byte(`{}`)},
	}

	result, err := publisher.PublishBatch(context.Background(), msgs)
	if err == nil {
		t.Fatal("Expected error when every message fails")
	}
	if len(result.Failed) != 2 || len(result.Succeeded) != 0 {
		t.Errorf("Expected 2 failures and 0 successes, got %d/%d", len(result.Failed), len(result.Succeeded))
	}
}

// TestReceiveLeasesMessages tests fetch mapping and handle assignment
func TestReceiveLeasesMessages(t *testing.T) {
	msgA := newFakeMsg("job-a", "group-1", []byte(`{"id":"job-a"}`), 1)
	msgB := newFakeMsg("job-b", "group-2", []byte(`{"id":"job-b"}`), 3)

	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			return newFakeBatch(msgA, msgB), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 2*time.Minute)

	messages, err := consumer.Receive(context.Background(), 10, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}

	if messages[0].MessageID != "job-a" {
		t.Errorf("MessageID mismatch: got %s", messages[0].MessageID)
	}
	if messages[0].MessageGroupID != "group-1" {
		t.Errorf("MessageGroupID mismatch: got %s", messages[0].MessageGroupID)
	}
	if messages[1].ReceiveCount != 3 {
		t.Errorf("ReceiveCount mismatch: got %d", messages[1].ReceiveCount)
	}
	if messages[0].ReceiptHandle == "" || messages[0].ReceiptHandle == messages[1].ReceiptHandle {
		t.Error("Receipt handles must be unique and non-empty")
	}
}

// TestAckSettlesLease tests ack by handle plus stale-handle idempotence
func TestAckSettlesLease(t *testing.T) {
	msg := newFakeMsg("job-1", "group-1", []byte(`{}`), 1)
	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			return newFakeBatch(msg), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 2*time.Minute)

	messages, err := consumer.Receive(context.Background(), 1, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	handle := messages[0].ReceiptHandle

	if err := consumer.Ack(context.Background(), handle); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if msg.acks.Load() != 1 {
		t.Errorf("Expected 1 ack, got %d", msg.acks.Load())
	}

	// Second ack on the same handle is a silent no-op
	if err := consumer.Ack(context.Background(), handle); err != nil {
		t.Fatalf("Stale ack should be a no-op, got %v", err)
	}
	if msg.acks.Load() != 1 {
		t.Errorf("Stale ack must not re-ack, got %d acks", msg.acks.Load())
	}
}

// TestNackWithDelay tests delayed redelivery signaling
func TestNackWithDelay(t *testing.T) {
	msg := newFakeMsg("job-1", "group-1", []byte(`{}`), 1)
	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			return newFakeBatch(msg), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 2*time.Minute)

	messages, _ := consumer.Receive(context.Background(), 1, time.Second)
	handle := messages[0].ReceiptHandle

	if err := consumer.Nack(context.Background(), handle, 30*time.Second); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if msg.naks.Load() != 1 {
		t.Errorf("Expected 1 nak, got %d", msg.naks.Load())
	}
	if msg.nakDelay != 30*time.Second {
		t.Errorf("Expected 30s delay, got %v", msg.nakDelay)
	}

	// Handle is settled; a second nack is a no-op
	if err := consumer.Nack(context.Background(), handle, time.Second); err != nil {
		t.Fatalf("Stale nack should be a no-op, got %v", err)
	}
	if msg.naks.Load() != 1 {
		t.Errorf("Stale nack must not re-nak, got %d naks", msg.naks.Load())
	}
}

// TestNackImmediate tests zero-delay nack
func TestNackImmediate(t *testing.T) {
	msg := newFakeMsg("job-1", "group-1", []byte(`{}`), 1)
	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			return newFakeBatch(msg), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 2*time.Minute)

	messages, _ := consumer.Receive(context.Background(), 1, time.Second)

	if err := consumer.Nack(context.Background(), messages[0].ReceiptHandle, 0); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if msg.naks.Load() != 1 {
		t.Errorf("Expected 1 nak, got %d", msg.naks.Load())
	}
	if msg.nakDelay != 0 {
		t.Errorf("Expected no delay, got %v", msg.nakDelay)
	}
}

// TestExtendVisibilityKeepsHandle tests ack-wait extension; the lease must
// survive so a later ack still works.
func TestExtendVisibilityKeepsHandle(t *testing.T) {
	msg := newFakeMsg("job-1", "group-1", []byte(`{}`), 1)
	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			return newFakeBatch(msg), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 2*time.Minute)

	messages, _ := consumer.Receive(context.Background(), 1, time.Second)
	handle := messages[0].ReceiptHandle

	renewed, err := consumer.ExtendVisibility(context.Background(), handle, 2*time.Minute)
	if err != nil {
		t.Fatalf("ExtendVisibility failed: %v", err)
	}
	if renewed != handle {
		t.Errorf("Expected stable handle, got %s", renewed)
	}
	if msg.inProgress.Load() != 1 {
		t.Errorf("Expected 1 in-progress signal, got %d", msg.inProgress.Load())
	}

	if err := consumer.Ack(context.Background(), renewed); err != nil {
		t.Fatalf("Ack after extension failed: %v", err)
	}
	if msg.acks.Load() != 1 {
		t.Errorf("Expected 1 ack, got %d", msg.acks.Load())
	}
}

// TestStaleHandleExtendIsNoOp tests extension with an unknown handle
func TestStaleHandleExtendIsNoOp(t *testing.T) {
	consumer := newConsumer(&fakeJSConsumer{}, "test-consumer", 2*time.Minute)

	handle, err := consumer.ExtendVisibility(context.Background(), "unknown-handle", time.Minute)
	if err != nil {
		t.Fatalf("Expected no-op, got error %v", err)
	}
	if handle != "unknown-handle" {
		t.Errorf("Expected handle passthrough, got %s", handle)
	}
}

// TestReceivePrunesExpiredLeases tests that leases past the ack window are
// dropped on the next receive.
func TestReceivePrunesExpiredLeases(t *testing.T) {
	msg := newFakeMsg("job-old", "group-1", []byte(`{}`), 1)
	first := true
	jsConsumer := &fakeJSConsumer{
		fetchFunc: func(batch int) (jetstream.MessageBatch, error) {
			if first {
				first = false
				return newFakeBatch(msg), nil
			}
			return newFakeBatch(), nil
		},
	}
	consumer := newConsumer(jsConsumer, "test-consumer", 10*time.Millisecond)

	if _, err := consumer.Receive(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := consumer.Receive(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	consumer.mu.Lock()
	remaining := len(consumer.leases)
	consumer.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected expired leases to be pruned, %d remain", remaining)
	}
}

// TestClosedConsumerRejectsReceive tests receive after close
func TestClosedConsumerRejectsReceive(t *testing.T) {
	consumer := newConsumer(&fakeJSConsumer{}, "test-consumer", time.Minute)

	if err := consumer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	_, err := consumer.Receive(context.Background(), 1, time.Second)
	if !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

// TestDepthReadsStreamState tests the backlog probe
func TestDepthReadsStreamState(t *testing.T) {
	js := &fakeJetStream{
		streamFunc: func(ctx context.Context, stream string) (jetstream.Stream, error) {
			return &fakeStream{
				info: &jetstream.StreamInfo{
					State: jetstream.StreamState{Msgs: 7},
				},
			}, nil
		},
	}

	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	depth, err := publisher.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 7 {
		t.Errorf("Expected depth 7, got %d", depth)
	}
}

// TestHealthyUsesAccountInfo tests the health probe
func TestHealthyUsesAccountInfo(t *testing.T) {
	js := &fakeJetStream{}
	publisher := NewPublisher(js, "DISPATCH", "dispatch")

	if !publisher.Healthy(context.Background()) {
		t.Error("Expected healthy publisher")
	}

	js.accountInfoFunc = func(ctx context.Context) (*jetstream.AccountInfo, error) {
		return nil, errors.New("no jetstream")
	}
	if publisher.Healthy(context.Background()) {
		t.Error("Expected unhealthy publisher")
	}
}

// TestConsumerHealthy tests the consumer info probe
func TestConsumerHealthy(t *testing.T) {
	consumer := newConsumer(&fakeJSConsumer{}, "test-consumer", time.Minute)
	if !consumer.Healthy(context.Background()) {
		t.Error("Expected healthy consumer")
	}

	consumer = newConsumer(&fakeJSConsumer{infoErr: errors.New("consumer deleted")}, "test-consumer", time.Minute)
	if consumer.Healthy(context.Background()) {
		t.Error("Expected unhealthy consumer")
	}
}

// TestConfigDefaults tests fallback naming
func TestConfigDefaults(t *testing.T) {
	cfg := &queue.NATSConfig{}

	if streamName(cfg) != "DISPATCH" {
		t.Errorf("Expected stream DISPATCH, got %s", streamName(cfg))
	}
	if durableName(cfg) != "flowcatalyst-router" {
		t.Errorf("Expected durable flowcatalyst-router, got %s", durableName(cfg))
	}
	if subjectBase(cfg) != "dispatch" {
		t.Errorf("Expected subject base dispatch, got %s", subjectBase(cfg))
	}
	if ackWait(cfg) != 2*time.Minute {
		t.Errorf("Expected 2m ack wait, got %v", ackWait(cfg))
	}
}

// Ensure the fakes satisfy the interfaces they stand in for
var (
	_ jetstream.MessageBatch = (*fakeBatch)(nil)
	_ jetstream.Msg          = (*fakeMsg)(nil)
)
