package dispatchpool

import (
	"context"

	"go.flowcatalyst.tech/dispatch/internal/common/repository"
)

const collectionName = "dispatch_pools"

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// newInstrumentedRepository creates an instrumented wrapper around a Repository
func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindByID", func() (*DispatchPool, error) {
		return r.inner.FindByID(ctx, id)
	})
}

func (r *instrumentedRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindByCode", func() (*DispatchPool, error) {
		return r.inner.FindByCode(ctx, code)
	})
}

func (r *instrumentedRepository) FindAllActive(ctx context.Context) ([]*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindAllActive", func() ([]*DispatchPool, error) {
		return r.inner.FindAllActive(ctx)
	})
}

func (r *instrumentedRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	return repository.InstrumentVoid(ctx, collectionName, "Insert", func() error {
		return r.inner.Insert(ctx, pool)
	})
}

func (r *instrumentedRepository) SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error {
	return repository.InstrumentVoid(ctx, collectionName, "SetStatus", func() error {
		return r.inner.SetStatus(ctx, id, status)
	})
}
