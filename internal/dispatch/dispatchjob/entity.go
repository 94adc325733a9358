// Package dispatchjob holds the persisted dispatch job model: rows the
// scheduler selects and publishes, and the attempt history the completion
// feedback appends as pointers finish mediation.
package dispatchjob

import (
	"time"
)

// DispatchStatus is the lifecycle state of a dispatch job. Transitions are
// monotone except the QUEUED→PENDING reclaim for lost queue messages.
type DispatchStatus string

const (
	// DispatchStatusPending - eligible for the scheduler's next poll
	DispatchStatusPending DispatchStatus = "PENDING"
	// DispatchStatusQueued - published to the queue, awaiting routing
	DispatchStatusQueued DispatchStatus = "QUEUED"
	// DispatchStatusInFlight - accepted by the router, mediation underway
	DispatchStatusInFlight DispatchStatus = "IN_FLIGHT"
	// DispatchStatusSuccess - the target acknowledged the dispatch
	DispatchStatusSuccess DispatchStatus = "SUCCESS"
	// DispatchStatusFailed - mediation ended in a permanent failure
	DispatchStatusFailed DispatchStatus = "FAILED"
	// DispatchStatusExpired - expiresAt passed before the job completed
	DispatchStatusExpired DispatchStatus = "EXPIRED"
)

// DispatchMode controls how a job's message group reacts to failures.
type DispatchMode string

const (
	// DispatchModeImmediate - dispatch regardless of group state
	DispatchModeImmediate DispatchMode = "IMMEDIATE"
	// DispatchModeBlockOnError - hold the whole group while it contains a
	// FAILED job of this mode
	DispatchModeBlockOnError DispatchMode = "BLOCK_ON_ERROR"
)

// AttemptStatus classifies a single delivery attempt.
type AttemptStatus string

const (
	AttemptStatusSuccess         AttemptStatus = "SUCCESS"
	AttemptStatusClientError     AttemptStatus = "CLIENT_ERROR" // 4xx
	AttemptStatusServerError     AttemptStatus = "SERVER_ERROR" // 5xx
	AttemptStatusTimeout         AttemptStatus = "TIMEOUT"
	AttemptStatusConnectionError AttemptStatus = "CONNECTION_ERROR"
)

// ErrorType categorizes attempt errors for retry decisions.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "TRANSIENT"
	ErrorTypePermanent ErrorType = "PERMANENT"
	ErrorTypeUnknown   ErrorType = "UNKNOWN"
)

// DefaultMessageGroup is the group key used when a job does not set one;
// it is also the messageGroupId published to the queue.
const DefaultMessageGroup = "default"

// MaxAttemptsKept caps the embedded attempt history per job; older entries
// fall off the front.
const MaxAttemptsKept = 20

// DispatchJob represents one scheduled dispatch.
// Collection: dispatch_jobs
type DispatchJob struct {
	ID             string            `bson:"_id" json:"id"`
	Status         DispatchStatus    `bson:"status" json:"status"`
	Mode           DispatchMode      `bson:"mode,omitempty" json:"mode,omitempty"`
	MessageGroup   string            `bson:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Sequence       int64             `bson:"sequence,omitempty" json:"sequence,omitempty"`
	DispatchPoolID string            `bson:"dispatchPoolId,omitempty" json:"dispatchPoolId,omitempty"`
	TargetURL      string            `bson:"targetUrl" json:"targetUrl"`
	Payload        string            `bson:"payload,omitempty" json:"payload,omitempty"`
	TimeoutSeconds int               `bson:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	MaxRetries     int               `bson:"maxRetries" json:"maxRetries"`
	RetryStrategy  string            `bson:"retryStrategy,omitempty" json:"retryStrategy,omitempty"`
	ScheduledFor   time.Time         `bson:"scheduledFor,omitempty" json:"scheduledFor,omitempty"`
	ExpiresAt      time.Time         `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	AttemptCount   int               `bson:"attemptCount" json:"attemptCount"`
	LastAttemptAt  time.Time         `bson:"lastAttemptAt,omitempty" json:"lastAttemptAt,omitempty"`
	CompletedAt    time.Time         `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64             `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	LastError      string            `bson:"lastError,omitempty" json:"lastError,omitempty"`
	Attempts       []DispatchAttempt `bson:"attempts,omitempty" json:"attempts,omitempty"`
	CreatedAt      time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// DispatchAttempt records a single delivery attempt.
type DispatchAttempt struct {
	ID             string        `bson:"id" json:"id"`
	AttemptNumber  int           `bson:"attemptNumber" json:"attemptNumber"`
	AttemptedAt    time.Time     `bson:"attemptedAt" json:"attemptedAt"`
	CompletedAt    time.Time     `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64         `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	Status         AttemptStatus `bson:"status" json:"status"`
	ResponseCode   int           `bson:"responseCode,omitempty" json:"responseCode,omitempty"`
	ResponseBody   string        `bson:"responseBody,omitempty" json:"responseBody,omitempty"`
	ErrorMessage   string        `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	ErrorType      ErrorType     `bson:"errorType,omitempty" json:"errorType,omitempty"`
	CreatedAt      time.Time     `bson:"createdAt" json:"createdAt"`
}

// IsPending returns true if the job awaits scheduling.
func (j *DispatchJob) IsPending() bool {
	return j.Status == DispatchStatusPending
}

// IsQueued returns true if the job has been published but not routed.
func (j *DispatchJob) IsQueued() bool {
	return j.Status == DispatchStatusQueued
}

// IsTerminal returns true once the job can no longer change state.
func (j *DispatchJob) IsTerminal() bool {
	return j.Status == DispatchStatusSuccess ||
		j.Status == DispatchStatusFailed ||
		j.Status == DispatchStatusExpired
}

// IsExpired returns true if the job's deadline has passed.
func (j *DispatchJob) IsExpired() bool {
	if j.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(j.ExpiresAt)
}

// EffectiveGroup returns the message group published to the queue,
// defaulting for jobs that do not set one.
func (j *DispatchJob) EffectiveGroup() string {
	if j.MessageGroup == "" {
		return DefaultMessageGroup
	}
	return j.MessageGroup
}

// GetLastAttempt returns the most recent attempt, or nil.
func (j *DispatchJob) GetLastAttempt() *DispatchAttempt {
	if len(j.Attempts) == 0 {
		return nil
	}
	return &j.Attempts[len(j.Attempts)-1]
}
