package dispatchpool

import (
	"time"
)

// DispatchPoolStatus defines the lifecycle status of a dispatch pool
type DispatchPoolStatus string

const (
	// DispatchPoolStatusActive means the pool processes messages
	DispatchPoolStatusActive DispatchPoolStatus = "ACTIVE"
	// DispatchPoolStatusSuspended means the pool is temporarily stopped
	DispatchPoolStatusSuspended DispatchPoolStatus = "SUSPENDED"
	// DispatchPoolStatusArchived means the pool is retired
	DispatchPoolStatusArchived DispatchPoolStatus = "ARCHIVED"
)

// DispatchPool defines a named processing pool: its concurrency, intake
// capacity and optional delivery rate limit. The router's config sync
// reads these to shape its live pools.
// Collection: dispatch_pools
type DispatchPool struct {
	ID              string             `bson:"_id" json:"id"`
	Code            string             `bson:"code" json:"code"`
	Name            string             `bson:"name" json:"name"`
	Description     string             `bson:"description,omitempty" json:"description,omitempty"`
	Concurrency     int                `bson:"concurrency" json:"concurrency"`
	QueueCapacity   int                `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin *int               `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	Status          DispatchPoolStatus `bson:"status" json:"status"`
	CreatedAt       time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// IsActive returns true if the pool is active
func (p *DispatchPool) IsActive() bool {
	return p.Status == DispatchPoolStatusActive
}

// IsSuspended returns true if the pool is suspended
func (p *DispatchPool) IsSuspended() bool {
	return p.Status == DispatchPoolStatusSuspended
}

// IsArchived returns true if the pool is archived
func (p *DispatchPool) IsArchived() bool {
	return p.Status == DispatchPoolStatusArchived
}

// GetConcurrencyOrDefault returns the concurrency, or the given default
// when unset
func (p *DispatchPool) GetConcurrencyOrDefault(def int) int {
	if p.Concurrency <= 0 {
		return def
	}
	return p.Concurrency
}

// GetQueueCapacityOrDefault returns the queue capacity, or the given
// default when unset
func (p *DispatchPool) GetQueueCapacityOrDefault(def int) int {
	if p.QueueCapacity <= 0 {
		return def
	}
	return p.QueueCapacity
}
