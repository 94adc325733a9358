package manager

import (
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// RouteResult tells the caller how a pointer fared at intake.
type RouteResult int

const (
	// RouteAccepted means the pointer was enqueued into its pool.
	RouteAccepted RouteResult = iota
	// RouteDuplicate means the pointer ID is already in flight on this
	// replica; the caller should ack the arrival.
	RouteDuplicate
	// RouteUnknownPool means no pool is registered for the pointer's
	// code; the caller should nack with the default delay.
	RouteUnknownPool
	// RouteRejected means the pool's bounded intake was full.
	RouteRejected
	// RouteNotRunning means the manager is stopped or stopping.
	RouteNotRunning
)

func (r RouteResult) String() string {
	switch r {
	case RouteAccepted:
		return "ACCEPTED"
	case RouteDuplicate:
		return "DUPLICATE"
	case RouteUnknownPool:
		return "UNKNOWN_POOL"
	case RouteRejected:
		return "REJECTED"
	case RouteNotRunning:
		return "NOT_RUNNING"
	default:
		return "UNKNOWN"
	}
}

// CompletionHandler receives the final outcome for a routed pointer. The
// consumer that offered the pointer supplies one per message; it settles
// the broker lease (ack, nack or nack-with-delay) and records feedback.
type CompletionHandler func(msg *model.MessagePointer, completion model.Completion)

// inFlightEntry tracks one routed pointer until its pool reports back.
type inFlightEntry struct {
	msg      *model.MessagePointer
	handler  CompletionHandler
	enqueued time.Time
}

// InFlightMessage is the observable view of one in-flight pointer.
type InFlightMessage struct {
	MessageID       string    `json:"messageId"`
	PoolCode        string    `json:"poolCode"`
	MessageGroupID  string    `json:"messageGroupId"`
	MediationTarget string    `json:"mediationTarget"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
	AgeSeconds      int64     `json:"ageSeconds"`
}

// completionRouter is the callback every pool reports into. It resolves
// the in-flight entry for the pointer and hands the outcome to the
// handler the consumer registered at route time.
type completionRouter struct {
	manager *QueueManager
}

func (c *completionRouter) OnCompletion(msg *model.MessagePointer, completion model.Completion) {
	c.manager.completeInFlight(msg, completion)
}
