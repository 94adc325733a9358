package dispatchjob

import (
	"context"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/repository"
)

const collectionName = "dispatch_jobs"

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// newInstrumentedRepository creates an instrumented wrapper around a Repository
func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindByID", func() (*DispatchJob, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, job *DispatchJob) error {
	return repository.InstrumentVoid(ctx, collectionName, "Insert", func() error {
		return r.inner.Insert(ctx, job)
	})
}

func (r *instrumentedRepository) InsertMany(ctx context.Context, jobs []*DispatchJob) error {
	return repository.InstrumentVoid(ctx, collectionName, "InsertMany", func() error {
		return r.inner.InsertMany(ctx, jobs)
	})
}

func (r *instrumentedRepository) FindDispatchable(ctx context.Context, now time.Time, limit int64) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindDispatchable", func() ([]*DispatchJob, error) {
		return r.inner.FindDispatchable(ctx, now, limit)
	})
}

func (r *instrumentedRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	return repository.Instrument(ctx, collectionName, "BlockedGroups", func() (map[string]bool, error) {
		return r.inner.BlockedGroups(ctx, groups)
	})
}

func (r *instrumentedRepository) MarkQueued(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkQueued", func() error {
		return r.inner.MarkQueued(ctx, id)
	})
}

func (r *instrumentedRepository) RestorePending(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "RestorePending", func() error {
		return r.inner.RestorePending(ctx, id)
	})
}

func (r *instrumentedRepository) MarkInFlight(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkInFlight", func() error {
		return r.inner.MarkInFlight(ctx, id)
	})
}

func (r *instrumentedRepository) MarkCompleted(ctx context.Context, id string, status DispatchStatus, durationMillis int64, lastError string, attempt DispatchAttempt) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkCompleted", func() error {
		return r.inner.MarkCompleted(ctx, id, status, durationMillis, lastError, attempt)
	})
}

func (r *instrumentedRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	return repository.Instrument(ctx, collectionName, "ExpireOverdue", func() (int64, error) {
		return r.inner.ExpireOverdue(ctx, now)
	})
}

func (r *instrumentedRepository) ReclaimStaleQueued(ctx context.Context, threshold time.Duration) (int64, error) {
	return repository.Instrument(ctx, collectionName, "ReclaimStaleQueued", func() (int64, error) {
		return r.inner.ReclaimStaleQueued(ctx, threshold)
	})
}

func (r *instrumentedRepository) CountByStatus(ctx context.Context, status DispatchStatus) (int64, error) {
	return repository.Instrument(ctx, collectionName, "CountByStatus", func() (int64, error) {
		return r.inner.CountByStatus(ctx, status)
	})
}

func (r *instrumentedRepository) Delete(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "Delete", func() error {
		return r.inner.Delete(ctx, id)
	})
}
