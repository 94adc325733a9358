package dispatchpool

import (
	"context"
)

// Repository defines data access for dispatch pools
type Repository interface {
	// FindByID finds a dispatch pool by ID
	FindByID(ctx context.Context, id string) (*DispatchPool, error)

	// FindByCode finds a dispatch pool by code
	FindByCode(ctx context.Context, code string) (*DispatchPool, error)

	// FindAllActive finds all active dispatch pools ordered by code
	FindAllActive(ctx context.Context) ([]*DispatchPool, error)

	// Insert creates a new dispatch pool
	Insert(ctx context.Context, pool *DispatchPool) error

	// SetStatus updates a pool's lifecycle status
	SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error
}
