package model

// MediationResponse is the body a mediation endpoint returns on HTTP 200 to
// signal whether the message is done:
//   - ack: true  - processing is complete, remove the message
//   - ack: false - accepted but not ready; redeliver after an optional delay
type MediationResponse struct {
	// Ack indicates whether the message should be acknowledged (true) or
	// nacked for retry (false)
	Ack bool `json:"ack"`

	// Message is an optional reason (e.g., why ack=false)
	Message string `json:"message,omitempty"`

	// DelaySeconds is the delay before the message becomes visible again
	// (only used when ack=false). Valid range: 1-43200 (12 hours).
	DelaySeconds *int `json:"delaySeconds,omitempty"`
}

const (
	// MaxDelaySeconds is the maximum honored redelivery delay (12 hours,
	// the SQS ceiling)
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the delay used when none is specified
	DefaultDelaySeconds = 30
)

// GetEffectiveDelaySeconds returns the delay clamped to the valid range,
// falling back to DefaultDelaySeconds when unset or non-positive.
func (r *MediationResponse) GetEffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}

// ClampDelaySeconds bounds an arbitrary delay suggestion to [0, MaxDelaySeconds].
func ClampDelaySeconds(delay int) int {
	if delay < 0 {
		return 0
	}
	if delay > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return delay
}

// ProcessRequest asks a dispatch processing endpoint to execute a job.
type ProcessRequest struct {
	// MessageID is the dispatch job ID to process
	MessageID string `json:"messageId"`
}

// ProcessResponse reports a processing result back to the router. It
// follows the MediationResponse contract:
//   - ack: true  - remove from queue (success OR permanent error)
//   - ack: false - keep on queue, retry later
type ProcessResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

// NewAckResponse creates a response that removes the message from the queue.
func NewAckResponse(message string) *ProcessResponse {
	return &ProcessResponse{Ack: true, Message: message}
}

// NewNackResponse creates a response that keeps the message queued for retry.
func NewNackResponse(message string) *ProcessResponse {
	return &ProcessResponse{Ack: false, Message: message}
}

// NewNackWithDelayResponse creates a retry response with a specific delay.
func NewNackWithDelayResponse(message string, delaySeconds int) *ProcessResponse {
	return &ProcessResponse{Ack: false, Message: message, DelaySeconds: &delaySeconds}
}
