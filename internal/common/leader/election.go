// Package leader provides distributed leader election over a MongoDB
// lease document. One lock name elects one primary; everyone else polls
// until the lease expires or is released.
package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatch/internal/common/tsid"
)

// lockCollection holds one lease document per lock name.
const lockCollection = "leader_locks"

// Lock is the lease document. Mongo's TTL monitor removes rows whose
// expiresAt has passed, so a crashed primary frees the lock without help.
type Lock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// ElectorConfig holds configuration for leader election
type ElectorConfig struct {
	// InstanceID uniquely identifies this replica (defaults to hostname
	// plus a tsid so two replicas on one host stay distinct)
	InstanceID string

	// LockName names the lease document (e.g., "scheduler-leader")
	LockName string

	// TTL is how long the lease is valid before expiring (default: 30s)
	TTL time.Duration

	// RefreshInterval is how often the primary renews (default: 10s)
	RefreshInterval time.Duration
}

// DefaultElectorConfig returns the standard cadence for a lock name.
func DefaultElectorConfig(lockName string) *ElectorConfig {
	return &ElectorConfig{
		InstanceID:      defaultInstanceID(),
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

func defaultInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%s", host, tsid.Generate())
}

// Elector contends for one leader lock and tracks whether this replica
// currently holds it.
type Elector struct {
	locks  *mongo.Collection
	config *ElectorConfig

	isPrimary atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewElector creates an elector for the given lock.
func NewElector(db *mongo.Database, config *ElectorConfig) *Elector {
	if config == nil {
		config = DefaultElectorConfig("default-leader")
	}
	if config.InstanceID == "" {
		config.InstanceID = defaultInstanceID()
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Elector{
		locks:   db.Collection(lockCollection),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// OnBecomeLeader sets a callback invoked when this instance acquires the lock
func (e *Elector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback invoked when the lease slips away
func (e *Elector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start ensures the TTL index and begins contending for the lock.
func (e *Elector) Start(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}

	if _, err := e.locks.Indexes().CreateOne(ctx, indexModel); err != nil {
		// Index may already exist with the same spec
		slog.Debug("Could not create TTL index on leader locks", "error", err)
	}

	go e.electionLoop()

	slog.Info("Leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)

	return nil
}

// Stop stops contending and releases the lock if held.
func (e *Elector) Stop() {
	e.cancel()
	<-e.stopped

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsPrimary returns true if this instance currently holds the lock.
func (e *Elector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// InstanceID returns this replica's identifier.
func (e *Elector) InstanceID() string {
	return e.config.InstanceID
}

func (e *Elector) electionLoop() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.contend()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.contend()
		}
	}
}

// contend renews the lease when held, otherwise tries to take it over.
func (e *Elector) contend() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()

	if wasPrimary && e.refresh(ctx) {
		return
	}

	if wasPrimary {
		e.isPrimary.Store(false)
		slog.Warn("Lost leadership, lease refresh failed",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.tryAcquire(ctx) {
		e.isPrimary.Store(true)
		if !wasPrimary {
			slog.Info("Acquired leadership",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
	}
}

// tryAcquire atomically takes the lock when it is expired, absent, or
// already ours. A duplicate-key error means another live instance holds it.
func (e *Elector) tryAcquire(ctx context.Context) bool {
	now := time.Now()

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"instanceId": e.config.InstanceID,
			"acquiredAt": now,
			"expiresAt":  now.Add(e.config.TTL),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var lock Lock
	err := e.locks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&lock)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The upsert raced a live lease held by someone else
			slog.Debug("Leader lock held by another instance",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			return false
		}
		if !errors.Is(err, context.Canceled) {
			slog.Error("Failed to acquire leader lock",
				"error", err,
				"lockName", e.config.LockName)
		}
		return false
	}

	return lock.InstanceID == e.config.InstanceID
}

// refresh extends the lease we hold. A zero match means the lease was
// lost to expiry or takeover.
func (e *Elector) refresh(ctx context.Context) bool {
	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}

	update := bson.M{
		"$set": bson.M{
			"expiresAt": time.Now().Add(e.config.TTL),
		},
	}

	result, err := e.locks.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.Error("Failed to refresh leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return false
	}

	return result.MatchedCount > 0
}

// Release drops the lease so a standby can take over immediately.
func (e *Elector) Release(ctx context.Context) {
	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}

	result, err := e.locks.DeleteOne(ctx, filter)
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return
	}

	if result.DeletedCount > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}

	e.isPrimary.Store(false)
}

// CurrentLeader reports which instance holds a live lease, or "" when
// the lock is free.
func (e *Elector) CurrentLeader(ctx context.Context) (string, error) {
	filter := bson.M{
		"_id":       e.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}

	var lock Lock
	err := e.locks.FindOne(ctx, filter).Decode(&lock)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}

	return lock.InstanceID, nil
}
