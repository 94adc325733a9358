package dispatchjob

import (
	"context"
	"time"
)

// Repository defines data access for dispatch jobs. Status transitions are
// conditional on the expected prior state so concurrent replicas cannot
// double-apply them.
type Repository interface {
	FindByID(ctx context.Context, id string) (*DispatchJob, error)
	Insert(ctx context.Context, job *DispatchJob) error
	InsertMany(ctx context.Context, jobs []*DispatchJob) error

	// FindDispatchable returns PENDING jobs whose scheduledFor has passed
	// and whose expiresAt has not, ordered by
	// (messageGroup ASC, sequence ASC, createdAt ASC).
	FindDispatchable(ctx context.Context, now time.Time, limit int64) ([]*DispatchJob, error)

	// BlockedGroups reports which of the given message groups contain a
	// FAILED job with mode BLOCK_ON_ERROR.
	BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error)

	// MarkQueued transitions PENDING→QUEUED.
	MarkQueued(ctx context.Context, id string) error

	// RestorePending transitions QUEUED→PENDING after a failed publish,
	// incrementing attemptCount.
	RestorePending(ctx context.Context, id string) error

	// MarkInFlight transitions QUEUED→IN_FLIGHT when the router accepts
	// the pointer.
	MarkInFlight(ctx context.Context, id string) error

	// MarkCompleted transitions QUEUED|IN_FLIGHT→SUCCESS|FAILED,
	// records completion detail, and appends the attempt (history capped
	// at MaxAttemptsKept).
	MarkCompleted(ctx context.Context, id string, status DispatchStatus, durationMillis int64, lastError string, attempt DispatchAttempt) error

	// ExpireOverdue marks PENDING|QUEUED jobs whose expiresAt has passed
	// as EXPIRED and returns how many were marked.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	// ReclaimStaleQueued resets QUEUED jobs untouched for longer than the
	// threshold back to PENDING without counting an attempt, and returns
	// how many were reset.
	ReclaimStaleQueued(ctx context.Context, threshold time.Duration) (int64, error)

	CountByStatus(ctx context.Context, status DispatchStatus) (int64, error)
	Delete(ctx context.Context, id string) error
}
