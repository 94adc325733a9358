package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

type nackCall struct {
	handle string
	delay  time.Duration
}

// fakeBroker is an in-memory queue.Consumer recording settlement calls.
type fakeBroker struct {
	mu      sync.Mutex
	pending []queue.QueueMessage
	acked   []string
	nacked  []nackCall
	extends []string

	blockReceive bool // Receive hangs until the context is cancelled
	receiveErr   error
	closed       atomic.Bool
}

func (b *fakeBroker) push(msgs ...queue.QueueMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, msgs...)
}

func (b *fakeBroker) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.QueueMessage, error) {
	if b.blockReceive {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.receiveErr != nil {
		return nil, b.receiveErr
	}

	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			n := maxMessages
			if n > len(b.pending) {
				n = len(b.pending)
			}
			out := make([]queue.QueueMessage, n)
			copy(out, b.pending[:n])
			b.pending = b.pending[n:]
			b.mu.Unlock()
			return out, nil
		}
		b.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (b *fakeBroker) Ack(ctx context.Context, receiptHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, receiptHandle)
	return nil
}

func (b *fakeBroker) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, nackCall{handle: receiptHandle, delay: delay})
	return nil
}

func (b *fakeBroker) ExtendVisibility(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.extends = append(b.extends, receiptHandle)
	return fmt.Sprintf("%s+r%d", receiptHandle, len(b.extends)), nil
}

func (b *fakeBroker) Healthy(ctx context.Context) bool { return true }

func (b *fakeBroker) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *fakeBroker) ackedHandles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

func (b *fakeBroker) nackedCalls() []nackCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]nackCall(nil), b.nacked...)
}

func (b *fakeBroker) extendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.extends)
}

// fakeRouter scripts Route results and captures routed pointers so tests
// can complete them like a pool worker would.
type fakeRouter struct {
	mu      sync.Mutex
	results []manager.RouteResult
	calls   int
	handler manager.CompletionHandler
	msgs    []*model.MessagePointer
}

func (r *fakeRouter) Route(msg *model.MessagePointer, onComplete manager.CompletionHandler) manager.RouteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.msgs = append(r.msgs, msg)
	r.handler = onComplete
	if len(r.results) == 0 {
		return manager.RouteAccepted
	}
	result := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return result
}

func (r *fakeRouter) routeCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRouter) routedMessages() []*model.MessagePointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.MessagePointer(nil), r.msgs...)
}

// complete invokes the captured completion handler for a routed pointer.
func (r *fakeRouter) complete(t *testing.T, id string, completion model.Completion) {
	t.Helper()
	r.mu.Lock()
	handler := r.handler
	var msg *model.MessagePointer
	for _, m := range r.msgs {
		if m.ID == id {
			msg = m
			break
		}
	}
	r.mu.Unlock()

	if handler == nil || msg == nil {
		t.Fatalf("No routed message %s to complete", id)
	}
	handler(msg, completion)
}

type warningRecord struct {
	category string
	severity string
	message  string
	source   string
}

type fakeWarnings struct {
	mu      sync.Mutex
	records []warningRecord
}

func (w *fakeWarnings) AddWarning(category, severity, message, source string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, warningRecord{category, severity, message, source})
}

func (w *fakeWarnings) byCategory(category string) []warningRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []warningRecord
	for _, r := range w.records {
		if r.category == category {
			out = append(out, r)
		}
	}
	return out
}

type feedbackRecord struct {
	id     string
	status model.CompletionStatus
}

type fakeFeedback struct {
	mu       sync.Mutex
	accepted []string
	records  []feedbackRecord
}

func (f *fakeFeedback) RecordAccepted(ctx context.Context, msg *model.MessagePointer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, msg.ID)
}

func (f *fakeFeedback) RecordCompletion(ctx context.Context, msg *model.MessagePointer, completion model.Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, feedbackRecord{id: msg.ID, status: completion.Status})
}

func (f *fakeFeedback) acceptedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func (f *fakeFeedback) recorded() []feedbackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feedbackRecord(nil), f.records...)
}

func testConsumerConfig() Config {
	return Config{
		Queue:             "test-queue",
		Connections:       1,
		BatchSize:         10,
		ReceiveWait:       20 * time.Millisecond,
		VisibilityTimeout: 120 * time.Second,
		OfferTimeout:      200 * time.Millisecond,
		OfferRetryDelay:   10 * time.Millisecond,
		NackDelay:         30 * time.Second,
		LeaseTTL:          time.Hour,
	}
}

func newTestConsumer(broker *fakeBroker, router MessageRouter) *Consumer {
	return New(testConsumerConfig(), broker, router).
		WithMonitor(&MonitorConfig{Enabled: false})
}

func pointerMessage(t *testing.T, id, poolCode string) queue.QueueMessage {
	t.Helper()
	body, err := json.Marshal(model.MessagePointer{
		ID:              id,
		PoolCode:        poolCode,
		AuthToken:       "token-123",
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: "http://localhost:19999/process",
		MessageGroupID:  "group-1",
	})
	if err != nil {
		t.Fatalf("Marshal pointer: %v", err)
	}
	return queue.QueueMessage{
		MessageID:      "broker-" + id,
		Body:           body,
		MessageGroupID: "group-1",
		ReceiptHandle:  "rh-" + id,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("orders")

	if cfg.Queue != "orders" {
		t.Errorf("Expected queue orders, got %s", cfg.Queue)
	}
	if cfg.Connections != 1 {
		t.Errorf("Expected 1 connection, got %d", cfg.Connections)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("Expected batch size 10, got %d", cfg.BatchSize)
	}
	if cfg.VisibilityTimeout != 120*time.Second {
		t.Errorf("Expected 120s visibility, got %s", cfg.VisibilityTimeout)
	}
	if cfg.OfferTimeout != time.Second {
		t.Errorf("Expected 1s offer timeout, got %s", cfg.OfferTimeout)
	}
	if cfg.OfferRetryDelay != 25*time.Millisecond {
		t.Errorf("Expected 25ms offer retry delay, got %s", cfg.OfferRetryDelay)
	}
	if cfg.NackDelay != 30*time.Second {
		t.Errorf("Expected 30s nack delay, got %s", cfg.NackDelay)
	}
	if cfg.LeaseTTL != time.Hour {
		t.Errorf("Expected 1h lease TTL, got %s", cfg.LeaseTTL)
	}
}

func TestConsumer_RoutesAndAcksOnSuccess(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"))

	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")
	if got := c.ActiveLeases(); got != 1 {
		t.Fatalf("Expected 1 active lease, got %d", got)
	}

	router.complete(t, "msg-1", model.SuccessCompletion())

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "ack")
	if handles := broker.ackedHandles(); handles[0] != "rh-msg-1" {
		t.Errorf("Expected ack of rh-msg-1, got %s", handles[0])
	}
	if got := c.ActiveLeases(); got != 0 {
		t.Errorf("Expected lease released after completion, got %d", got)
	}
	if got := c.Health().MessagesReceived; got != 1 {
		t.Errorf("Expected 1 message received, got %d", got)
	}
}

func TestConsumer_PopulatesRoutingFields(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"), pointerMessage(t, "msg-2", "POOL-A"))

	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 2 }, "batch to route")

	msgs := router.routedMessages()
	if msgs[0].SourceMessageID != "broker-msg-1" {
		t.Errorf("Expected broker message ID broker-msg-1, got %s", msgs[0].SourceMessageID)
	}
	if msgs[0].BatchID == "" {
		t.Error("Expected batch ID to be assigned")
	}
	if msgs[0].BatchID != msgs[1].BatchID {
		t.Errorf("Expected same batch ID for one receive, got %s and %s",
			msgs[0].BatchID, msgs[1].BatchID)
	}

	router.complete(t, "msg-1", model.SuccessCompletion())
	router.complete(t, "msg-2", model.SuccessCompletion())
}

func TestConsumer_ParseFailureAcked(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	warnings := &fakeWarnings{}
	c := newTestConsumer(broker, router).WithWarningService(warnings)
	c.Start()
	defer c.Stop()

	broker.push(queue.QueueMessage{
		MessageID:     "broker-bad",
		Body:          []byte("{not json"),
		ReceiptHandle: "rh-bad",
	})

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "malformed message ack")

	if handles := broker.ackedHandles(); handles[0] != "rh-bad" {
		t.Errorf("Expected ack of rh-bad, got %s", handles[0])
	}
	if router.routeCalls() != 0 {
		t.Errorf("Expected no route attempt, got %d", router.routeCalls())
	}
	recs := warnings.byCategory("MESSAGE_PARSE")
	if len(recs) != 1 {
		t.Fatalf("Expected 1 MESSAGE_PARSE warning, got %d", len(recs))
	}
	if recs[0].severity != "ERROR" {
		t.Errorf("Expected ERROR severity, got %s", recs[0].severity)
	}
	if recs[0].source != "Consumer:test-queue" {
		t.Errorf("Expected source Consumer:test-queue, got %s", recs[0].source)
	}
}

func TestConsumer_ValidationFailureAcked(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	warnings := &fakeWarnings{}
	c := newTestConsumer(broker, router).WithWarningService(warnings)
	c.Start()
	defer c.Stop()

	// Valid JSON, but poolCode and friends are missing.
	broker.push(queue.QueueMessage{
		MessageID:     "broker-incomplete",
		Body:          []byte(`{"id":"msg-1"}`),
		ReceiptHandle: "rh-incomplete",
	})

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "invalid message ack")

	if router.routeCalls() != 0 {
		t.Errorf("Expected no route attempt, got %d", router.routeCalls())
	}
	if len(warnings.byCategory("MESSAGE_PARSE")) != 1 {
		t.Errorf("Expected MESSAGE_PARSE warning for validation failure")
	}
}

func TestConsumer_UnknownPoolNacked(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{results: []manager.RouteResult{manager.RouteUnknownPool}}
	warnings := &fakeWarnings{}
	c := newTestConsumer(broker, router).WithWarningService(warnings)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-9", "NO-SUCH-POOL"))

	waitFor(t, 2*time.Second, func() bool { return len(broker.nackedCalls()) == 1 }, "unknown pool nack")

	nacks := broker.nackedCalls()
	if nacks[0].handle != "rh-msg-9" {
		t.Errorf("Expected nack of rh-msg-9, got %s", nacks[0].handle)
	}
	if nacks[0].delay != 30*time.Second {
		t.Errorf("Expected 30s nack delay, got %s", nacks[0].delay)
	}
	if len(warnings.byCategory("ROUTING")) != 1 {
		t.Errorf("Expected ROUTING warning for unknown pool")
	}
	if got := c.ActiveLeases(); got != 0 {
		t.Errorf("Expected no lease retained, got %d", got)
	}
}

func TestConsumer_RejectedReoffersThenNacks(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{results: []manager.RouteResult{manager.RouteRejected}}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-5", "POOL-A"))

	waitFor(t, 2*time.Second, func() bool { return len(broker.nackedCalls()) == 1 }, "saturation nack")

	if calls := router.routeCalls(); calls < 2 {
		t.Errorf("Expected repeated offers before nacking, got %d", calls)
	}
	if nacks := broker.nackedCalls(); nacks[0].delay != 30*time.Second {
		t.Errorf("Expected default nack delay, got %s", nacks[0].delay)
	}
	if got := c.ActiveLeases(); got != 0 {
		t.Errorf("Expected no lease retained after rejection, got %d", got)
	}
}

func TestConsumer_RejectedThenAccepted(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{results: []manager.RouteResult{
		manager.RouteRejected,
		manager.RouteAccepted,
	}}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-6", "POOL-A"))

	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 2 }, "re-offer to succeed")

	if len(broker.nackedCalls()) != 0 {
		t.Errorf("Expected no nack after accepted re-offer, got %d", len(broker.nackedCalls()))
	}

	router.complete(t, "msg-6", model.SuccessCompletion())
	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "ack")
}

func TestConsumer_TransientFailureNackedWithDelay(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-2", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	delay := 45
	router.complete(t, "msg-2", model.TransientCompletion(model.MediationErrorProcess, &delay, errors.New("target deferred")))

	waitFor(t, 2*time.Second, func() bool { return len(broker.nackedCalls()) == 1 }, "transient nack")
	if nacks := broker.nackedCalls(); nacks[0].delay != 45*time.Second {
		t.Errorf("Expected 45s redelivery delay, got %s", nacks[0].delay)
	}
}

func TestConsumer_FastFailNackedImmediately(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-3", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	router.complete(t, "msg-3", model.TransientCompletion(model.MediationErrorProcess, nil, errors.New("shutting down")))

	waitFor(t, 2*time.Second, func() bool { return len(broker.nackedCalls()) == 1 }, "fast-fail nack")
	if nacks := broker.nackedCalls(); nacks[0].delay != 0 {
		t.Errorf("Expected immediate redelivery, got %s", nacks[0].delay)
	}
}

func TestConsumer_PermanentFailureAckedWithWarning(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	warnings := &fakeWarnings{}
	feedback := &fakeFeedback{}
	c := newTestConsumer(broker, router).
		WithWarningService(warnings).
		WithDispatchFeedback(feedback)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-4", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	router.complete(t, "msg-4", model.PermanentCompletion(errors.New("HTTP 410 from target")))

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "permanent failure ack")

	if len(broker.nackedCalls()) != 0 {
		t.Errorf("Expected no nack for permanent failure")
	}
	recs := warnings.byCategory("MEDIATION")
	if len(recs) != 1 || recs[0].severity != "ERROR" {
		t.Fatalf("Expected one ERROR MEDIATION warning, got %+v", recs)
	}
	fb := feedback.recorded()
	if len(fb) != 1 || fb[0].id != "msg-4" || fb[0].status != model.CompletionPermanentFailure {
		t.Errorf("Expected permanent failure feedback for msg-4, got %+v", fb)
	}
}

func TestConsumer_FeedbackOnSuccess(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	feedback := &fakeFeedback{}
	c := newTestConsumer(broker, router).WithDispatchFeedback(feedback)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-7", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	router.complete(t, "msg-7", model.SuccessCompletion())

	waitFor(t, 2*time.Second, func() bool { return len(feedback.recorded()) == 1 }, "success feedback")
	if fb := feedback.recorded(); fb[0].status != model.CompletionSuccess {
		t.Errorf("Expected SUCCESS feedback, got %s", fb[0].status)
	}
	if ids := feedback.acceptedIDs(); len(ids) != 1 || ids[0] != "msg-7" {
		t.Errorf("Expected acceptance feedback for msg-7, got %v", ids)
	}
}

func TestConsumer_NoFeedbackOnTransientFailure(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	feedback := &fakeFeedback{}
	c := newTestConsumer(broker, router).WithDispatchFeedback(feedback)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-8", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	router.complete(t, "msg-8", model.TransientCompletion(model.MediationErrorConnection, nil, errors.New("dial refused")))

	waitFor(t, 2*time.Second, func() bool { return len(broker.nackedCalls()) == 1 }, "transient nack")
	if len(feedback.recorded()) != 0 {
		t.Errorf("Expected no feedback for transient failure, got %+v", feedback.recorded())
	}
}

func TestConsumer_RedeliveredInFlightAcked(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "first delivery to route")

	// Broker redelivers the same pointer under a new receipt handle while
	// the first copy is still in flight.
	redelivery := pointerMessage(t, "msg-1", "POOL-A")
	redelivery.ReceiptHandle = "rh-redelivered"
	broker.push(redelivery)

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "redelivery ack")
	if handles := broker.ackedHandles(); handles[0] != "rh-redelivered" {
		t.Errorf("Expected redelivered copy acked, got %s", handles[0])
	}
	if router.routeCalls() != 1 {
		t.Errorf("Expected redelivery not routed, got %d calls", router.routeCalls())
	}
	if got := c.ActiveLeases(); got != 1 {
		t.Errorf("Expected original lease retained, got %d", got)
	}

	router.complete(t, "msg-1", model.SuccessCompletion())
	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 2 }, "original ack")
}

func TestConsumer_DuplicateAcrossConsumersAcked(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{results: []manager.RouteResult{manager.RouteDuplicate}}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"))

	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "duplicate ack")
	if len(broker.nackedCalls()) != 0 {
		t.Errorf("Expected no nack for duplicate")
	}
	if got := c.ActiveLeases(); got != 0 {
		t.Errorf("Expected duplicate lease dropped, got %d", got)
	}
}

func TestConsumer_ExtendsVisibilityAndRotatesHandle(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	cfg := testConsumerConfig()
	cfg.VisibilityTimeout = 300 * time.Millisecond
	c := New(cfg, broker, router).WithMonitor(&MonitorConfig{Enabled: false})
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	// Hold the message in flight past two thirds of the visibility window.
	waitFor(t, 3*time.Second, func() bool { return broker.extendCount() >= 1 }, "visibility extension")

	router.complete(t, "msg-1", model.SuccessCompletion())
	waitFor(t, 2*time.Second, func() bool { return len(broker.ackedHandles()) == 1 }, "ack")

	// The ack must use the rotated handle returned by the extension.
	if handle := broker.ackedHandles()[0]; !strings.HasPrefix(handle, "rh-msg-1+r") {
		t.Errorf("Expected ack with rotated handle, got %s", handle)
	}
}

func TestConsumer_DropsLeaseAfterTTL(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	warnings := &fakeWarnings{}
	cfg := testConsumerConfig()
	cfg.VisibilityTimeout = 300 * time.Millisecond
	cfg.LeaseTTL = 150 * time.Millisecond
	c := New(cfg, broker, router).
		WithMonitor(&MonitorConfig{Enabled: false}).
		WithWarningService(warnings)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-stuck", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	waitFor(t, 3*time.Second, func() bool { return c.ActiveLeases() == 0 }, "lease to be dropped")
	if len(warnings.byCategory("LEASE_EXPIRED")) != 1 {
		t.Errorf("Expected LEASE_EXPIRED warning")
	}

	// The late completion finds no lease and settles nothing.
	router.complete(t, "msg-stuck", model.SuccessCompletion())
	time.Sleep(50 * time.Millisecond)
	if len(broker.ackedHandles()) != 0 {
		t.Errorf("Expected no ack for a dropped lease, got %v", broker.ackedHandles())
	}
}

func TestConsumer_SurvivesReceiveErrors(t *testing.T) {
	broker := &fakeBroker{receiveErr: errors.New("connection reset")}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	time.Sleep(100 * time.Millisecond)

	if !c.Health().Running {
		t.Error("Expected consumer still running after receive errors")
	}
	if router.routeCalls() != 0 {
		t.Errorf("Expected no routing, got %d calls", router.routeCalls())
	}
}

func TestConsumer_StallRestartSwapsBroker(t *testing.T) {
	wedged := &fakeBroker{blockReceive: true}
	fresh := &fakeBroker{}
	router := &fakeRouter{}
	var factoryCalls atomic.Int32

	cfg := testConsumerConfig()
	c := New(cfg, wedged, router).
		WithMonitor(&MonitorConfig{
			Enabled:            true,
			CheckInterval:      30 * time.Millisecond,
			StallThreshold:     50 * time.Millisecond,
			MaxRestartAttempts: 3,
			RestartDelay:       time.Millisecond,
		}).
		WithFactory(func() (queue.Consumer, error) {
			factoryCalls.Add(1)
			return fresh, nil
		})
	c.Start()
	defer c.Stop()

	waitFor(t, 3*time.Second, func() bool { return factoryCalls.Load() >= 1 }, "stall restart")
	waitFor(t, 2*time.Second, func() bool { return wedged.closed.Load() }, "old connection closed")

	// The replacement connection serves the new receive loops.
	fresh.push(pointerMessage(t, "msg-after-restart", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "receive via fresh broker")

	if c.IsStalled() {
		t.Error("Expected stalled flag cleared after restart")
	}
	if got := c.RestartCount(); got < 1 {
		t.Errorf("Expected restart count recorded, got %d", got)
	}

	router.complete(t, "msg-after-restart", model.SuccessCompletion())
}

func TestConsumer_StallGivesUpAfterMaxRestarts(t *testing.T) {
	wedged := &fakeBroker{blockReceive: true}
	router := &fakeRouter{}

	cfg := testConsumerConfig()
	c := New(cfg, wedged, router).
		WithMonitor(&MonitorConfig{
			Enabled:            true,
			CheckInterval:      20 * time.Millisecond,
			StallThreshold:     40 * time.Millisecond,
			MaxRestartAttempts: 2,
			RestartDelay:       time.Millisecond,
		})
	// No factory: restarts reuse the wedged connection and never recover.
	c.Start()
	defer c.Stop()

	waitFor(t, 3*time.Second, func() bool { return c.RestartCount() == 2 }, "restart budget to be spent")
	waitFor(t, 3*time.Second, func() bool { return c.IsStalled() }, "permanent stall")

	// The budget is spent; the count must not climb further.
	time.Sleep(200 * time.Millisecond)
	if got := c.RestartCount(); got != 2 {
		t.Errorf("Expected restarts capped at 2, got %d", got)
	}
}

func TestConsumer_StopKeepsBrokerOpenUntilClose(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()

	c.Stop()
	if broker.closed.Load() {
		t.Error("Expected broker connection open after Stop")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !broker.closed.Load() {
		t.Error("Expected broker connection closed after Close")
	}
}

func TestConsumer_StartStopIdempotent(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)

	c.Start()
	c.Start()
	c.Stop()
	c.Stop()

	if c.Health().Running {
		t.Error("Expected consumer stopped")
	}
}

func TestConsumer_HealthSnapshot(t *testing.T) {
	broker := &fakeBroker{}
	router := &fakeRouter{}
	c := newTestConsumer(broker, router)
	c.Start()
	defer c.Stop()

	broker.push(pointerMessage(t, "msg-1", "POOL-A"))
	waitFor(t, 2*time.Second, func() bool { return router.routeCalls() == 1 }, "message to route")

	h := c.Health()
	if h.Queue != "test-queue" {
		t.Errorf("Expected queue test-queue, got %s", h.Queue)
	}
	if !h.Running {
		t.Error("Expected running")
	}
	if h.Stalled {
		t.Error("Expected not stalled")
	}
	if h.MessagesReceived != 1 {
		t.Errorf("Expected 1 message received, got %d", h.MessagesReceived)
	}
	if h.RestartCount != 0 {
		t.Errorf("Expected 0 restarts, got %d", h.RestartCount)
	}
	if time.Since(h.LastActivity) > 5*time.Second {
		t.Errorf("Expected recent activity, got %s", h.LastActivity)
	}

	router.complete(t, "msg-1", model.SuccessCompletion())
}

func TestJitterStaysWithinBand(t *testing.T) {
	base := time.Second
	for i := 0; i < 200; i++ {
		v := jitter(base)
		if v < 900*time.Millisecond || v > 1100*time.Millisecond {
			t.Fatalf("Jitter %s outside ±10%% of %s", v, base)
		}
	}
}
