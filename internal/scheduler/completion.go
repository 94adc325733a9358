package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
	"go.flowcatalyst.tech/dispatch/internal/dispatch/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// CompletionService lands terminal pointer outcomes on their dispatch jobs.
// The consumer invokes it in-process; pointers that never came from a
// dispatch job miss the store lookup and are ignored. Satisfies
// consumer.DispatchFeedback.
type CompletionService struct {
	jobs     dispatchjob.Repository
	auth     *dispatchjob.AuthService
	warnings WarningService
}

// NewCompletionService creates the completion feedback handler. The auth
// service must be the one whose key signed the published pointers.
func NewCompletionService(jobs dispatchjob.Repository, auth *dispatchjob.AuthService) *CompletionService {
	return &CompletionService{jobs: jobs, auth: auth}
}

// WithWarningService routes rejected completions to the warning store.
func (s *CompletionService) WithWarningService(ws WarningService) *CompletionService {
	s.warnings = ws
	return s
}

// RecordAccepted moves a job to IN_FLIGHT when the router takes its
// pointer. Misses are expected: most pointers are not dispatch jobs, and
// redeliveries race the first acceptance.
func (s *CompletionService) RecordAccepted(ctx context.Context, msg *model.MessagePointer) {
	if msg == nil {
		return
	}

	err := s.jobs.MarkInFlight(ctx, msg.ID)
	if err == nil {
		slog.Debug("Dispatch job in flight", "jobId", msg.ID)
		return
	}
	if errors.Is(err, dispatchjob.ErrStateConflict) || errors.Is(err, dispatchjob.ErrNotFound) {
		return
	}
	slog.Warn("Failed to mark dispatch job IN_FLIGHT", "error", err, "jobId", msg.ID)
}

// RecordCompletion finalizes a job as SUCCESS or FAILED and appends the
// attempt record. The pointer's auth token must match what the scheduler
// signed for this job.
func (s *CompletionService) RecordCompletion(ctx context.Context, msg *model.MessagePointer, completion model.Completion) {
	if msg == nil {
		return
	}
	if completion.Status == model.CompletionTransientFailure {
		// The broker redelivers; a terminal outcome lands later.
		return
	}

	job, err := s.jobs.FindByID(ctx, msg.ID)
	if err != nil {
		if errors.Is(err, dispatchjob.ErrNotFound) {
			// Not a dispatch job pointer
			return
		}
		slog.Error("Failed to load dispatch job for completion",
			"error", err, "jobId", msg.ID)
		return
	}

	if job.IsTerminal() {
		slog.Debug("Dispatch job already terminal, ignoring completion",
			"jobId", job.ID, "status", job.Status)
		return
	}

	if s.auth != nil && s.auth.IsConfigured() {
		if err := s.auth.ValidateAuthToken(job.ID, msg.AuthToken); err != nil {
			slog.Error("Rejected dispatch completion, auth token invalid",
				"jobId", job.ID, "error", err)
			s.warn("ERROR", fmt.Sprintf(
				"Rejected completion for dispatch job %s: %v", job.ID, err))
			return
		}
	}

	status := dispatchjob.DispatchStatusFailed
	if completion.Status == model.CompletionSuccess {
		status = dispatchjob.DispatchStatusSuccess
	}

	lastError := ""
	if completion.Err != nil {
		lastError = completion.Err.Error()
	}

	now := time.Now()
	durationMillis := completion.Duration.Milliseconds()

	attempt := dispatchjob.DispatchAttempt{
		ID:             tsid.Generate(),
		AttemptNumber:  job.AttemptCount + 1,
		AttemptedAt:    now.Add(-completion.Duration),
		CompletedAt:    now,
		DurationMillis: durationMillis,
		Status:         attemptStatusFor(completion),
		ResponseCode:   completion.StatusCode,
		ErrorMessage:   lastError,
		ErrorType:      errorTypeFor(completion),
		CreatedAt:      now,
	}

	if err := s.jobs.MarkCompleted(ctx, job.ID, status, durationMillis, lastError, attempt); err != nil {
		if errors.Is(err, dispatchjob.ErrStateConflict) {
			slog.Warn("Dispatch job moved before completion landed",
				"jobId", job.ID, "status", status)
		} else {
			slog.Error("Failed to record dispatch completion",
				"error", err, "jobId", job.ID)
		}
		return
	}

	metrics.SchedulerJobsCompleted.WithLabelValues(string(status)).Inc()

	slog.Info("Dispatch job completed",
		"jobId", job.ID,
		"status", status,
		"durationMs", durationMillis)

	if status == dispatchjob.DispatchStatusFailed && job.Mode == dispatchjob.DispatchModeBlockOnError {
		s.warn("WARN", fmt.Sprintf(
			"Dispatch job %s failed; group %q is blocked until it is resolved",
			job.ID, job.EffectiveGroup()))
	}
}

func (s *CompletionService) warn(severity, message string) {
	if s.warnings == nil {
		return
	}
	s.warnings.AddWarning("DISPATCH", severity, message, "scheduler")
}

// attemptStatusFor classifies a completion for the attempt record.
func attemptStatusFor(c model.Completion) dispatchjob.AttemptStatus {
	if c.Status == model.CompletionSuccess {
		return dispatchjob.AttemptStatusSuccess
	}

	switch {
	case c.StatusCode >= 500:
		return dispatchjob.AttemptStatusServerError
	case c.StatusCode == 408:
		return dispatchjob.AttemptStatusTimeout
	case c.StatusCode >= 400:
		return dispatchjob.AttemptStatusClientError
	case c.StatusCode >= 200:
		// 2xx body nack: the target took the request and deferred it
		return dispatchjob.AttemptStatusServerError
	case errors.Is(c.Err, context.DeadlineExceeded):
		return dispatchjob.AttemptStatusTimeout
	default:
		return dispatchjob.AttemptStatusConnectionError
	}
}

// errorTypeFor categorizes the completion for retry bookkeeping.
func errorTypeFor(c model.Completion) dispatchjob.ErrorType {
	switch c.Status {
	case model.CompletionSuccess:
		return ""
	case model.CompletionPermanentFailure:
		return dispatchjob.ErrorTypePermanent
	case model.CompletionTransientFailure:
		return dispatchjob.ErrorTypeTransient
	default:
		return dispatchjob.ErrorTypeUnknown
	}
}
