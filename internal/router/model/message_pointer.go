// Package model provides the wire and boundary types for the message router.
package model

import (
	"errors"
	"fmt"
	"time"
)

// MediationType selects a mediator implementation
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to external webhooks
	MediationTypeHTTP MediationType = "HTTP"
)

// MessagePointer is the routing envelope carried in every queue message
// body. External producers and the dispatch scheduler serialize exactly the
// tagged fields; anything else is populated during routing and never leaves
// the process.
type MessagePointer struct {
	// ID is the unique message identifier (used for deduplication)
	ID string `json:"id"`

	// PoolCode is the processing pool identifier (e.g., "POOL-HIGH", "order-service")
	PoolCode string `json:"poolCode"`

	// AuthToken is the credential for the downstream HTTP call
	AuthToken string `json:"authToken"`

	// MediationType is the type of mediation to perform
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the target endpoint URL
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID orders messages within a business entity. Messages
	// with the same messageGroupId are processed sequentially; messages
	// with different messageGroupIds are processed concurrently.
	// Examples:
	//   - "order-12345" - all events for this order process in FIFO order
	//   - "user-67890" - all events for this user process in FIFO order
	MessageGroupID string `json:"messageGroupId"`

	// Sequence breaks ties within a message group: lower sequences are
	// processed first, arrival order decides among equals. Zero for
	// producers that don't sequence their messages.
	Sequence int64 `json:"sequence,omitempty"`

	// --- Internal fields (not serialized to queue) ---

	// BatchID tracks messages received in the same consumer batch.
	BatchID string `json:"-"`

	// SourceMessageID is the broker's own message ID, kept for pipeline
	// tracking and duplicate suppression across redeliveries.
	SourceMessageID string `json:"-"`
}

var (
	ErrMissingID              = errors.New("message pointer: id is required")
	ErrMissingPoolCode        = errors.New("message pointer: poolCode is required")
	ErrMissingMessageGroup    = errors.New("message pointer: messageGroupId is required")
	ErrMissingMediationTarget = errors.New("message pointer: mediationTarget is required")
)

// Validate enforces the wire invariants: id, poolCode, messageGroupId and
// mediationTarget must be non-empty.
func (p *MessagePointer) Validate() error {
	if p.ID == "" {
		return ErrMissingID
	}
	if p.PoolCode == "" {
		return ErrMissingPoolCode
	}
	if p.MessageGroupID == "" {
		return ErrMissingMessageGroup
	}
	if p.MediationTarget == "" {
		return ErrMissingMediationTarget
	}
	return nil
}

// MediationResult classifies a single mediation attempt.
type MediationResult string

const (
	// MediationSuccess - the target accepted and completed the message
	MediationSuccess MediationResult = "SUCCESS"

	// MediationErrorConfig - the request can never succeed as configured
	// (bad URL, auth rejected, 4xx). Not retryable.
	MediationErrorConfig MediationResult = "ERROR_CONFIG"

	// MediationErrorProcess - the target failed or deferred processing
	// (5xx, 429, ack:false). Retryable.
	MediationErrorProcess MediationResult = "ERROR_PROCESS"

	// MediationErrorConnection - the target was unreachable (network,
	// timeout, TLS, open circuit). Retryable.
	MediationErrorConnection MediationResult = "ERROR_CONNECTION"
)

// Retryable reports whether the result may succeed on a later attempt.
func (r MediationResult) Retryable() bool {
	return r == MediationErrorProcess || r == MediationErrorConnection
}

// CompletionStatus is the final disposition of a pointer, reported by the
// pool to whoever holds the queue receipt handle.
type CompletionStatus string

const (
	// CompletionSuccess - ack the queue message
	CompletionSuccess CompletionStatus = "SUCCESS"

	// CompletionTransientFailure - nack for redelivery, optionally delayed
	CompletionTransientFailure CompletionStatus = "TRANSIENT_FAILURE"

	// CompletionPermanentFailure - ack the queue message; retrying cannot
	// help. Dead-lettering is the job store's responsibility.
	CompletionPermanentFailure CompletionStatus = "PERMANENT_FAILURE"
)

// Completion carries the final outcome for an in-flight pointer.
type Completion struct {
	Status CompletionStatus

	// Result is the classification of the last mediation attempt.
	Result MediationResult

	// DelaySeconds suggests a redelivery delay for transient failures.
	DelaySeconds *int

	// Err describes the failure for logs and warnings.
	Err error

	// StatusCode is the HTTP status of the last attempt, zero when the
	// request never reached the target.
	StatusCode int

	// Duration covers all attempts including backoff waits.
	Duration time.Duration
}

// SuccessCompletion returns a successful completion.
func SuccessCompletion() Completion {
	return Completion{Status: CompletionSuccess, Result: MediationSuccess}
}

// TransientCompletion returns a retryable completion with an optional delay.
func TransientCompletion(result MediationResult, delaySeconds *int, err error) Completion {
	return Completion{Status: CompletionTransientFailure, Result: result, DelaySeconds: delaySeconds, Err: err}
}

// PermanentCompletion returns a non-retryable completion.
func PermanentCompletion(err error) Completion {
	return Completion{Status: CompletionPermanentFailure, Result: MediationErrorConfig, Err: err}
}

// String renders the completion for logs.
func (c Completion) String() string {
	if c.DelaySeconds != nil {
		return fmt.Sprintf("%s(%s, delay=%ds)", c.Status, c.Result, *c.DelaySeconds)
	}
	return fmt.Sprintf("%s(%s)", c.Status, c.Result)
}
