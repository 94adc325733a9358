package dispatchpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatch/internal/common/repository"
	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
)

var (
	ErrNotFound      = fmt.Errorf("dispatch pool: %w", repository.ErrNotFound)
	ErrDuplicateCode = fmt.Errorf("dispatch pool code: %w", repository.ErrDuplicateKey)
)

// mongoRepository provides MongoDB access to dispatch pool data
type mongoRepository struct {
	pools *mongo.Collection
}

// NewRepository creates a new dispatch pool repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		pools: db.Collection("dispatch_pools"),
	})
}

// FindByID finds a dispatch pool by ID
func (r *mongoRepository) FindByID(ctx context.Context, id string) (*DispatchPool, error) {
	var pool DispatchPool
	err := r.pools.FindOne(ctx, bson.M{"_id": id}).Decode(&pool)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pool, nil
}

// FindByCode finds a dispatch pool by code
func (r *mongoRepository) FindByCode(ctx context.Context, code string) (*DispatchPool, error) {
	var pool DispatchPool
	err := r.pools.FindOne(ctx, bson.M{"code": code}).Decode(&pool)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pool, nil
}

// FindAllActive finds all active dispatch pools
func (r *mongoRepository) FindAllActive(ctx context.Context) ([]*DispatchPool, error) {
	filter := bson.M{"status": DispatchPoolStatusActive}
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := r.pools.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var pools []*DispatchPool
	if err := cursor.All(ctx, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

// Insert creates a new dispatch pool
func (r *mongoRepository) Insert(ctx context.Context, pool *DispatchPool) error {
	if pool.ID == "" {
		pool.ID = tsid.Generate()
	}
	if pool.Status == "" {
		pool.Status = DispatchPoolStatusActive
	}
	now := time.Now()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	_, err := r.pools.InsertOne(ctx, pool)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateCode
	}
	return err
}

// SetStatus updates pool status
func (r *mongoRepository) SetStatus(ctx context.Context, id string, status DispatchPoolStatus) error {
	update := bson.M{
		"$set": bson.M{
			"status":    status,
			"updatedAt": time.Now(),
		},
	}

	result, err := r.pools.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
