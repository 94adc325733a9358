package dispatchjob

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
	ErrNotFound     = fmt.Errorf("dispatch job: %w", repository.ErrNotFound)
	ErrDuplicateJob = fmt.Errorf("dispatch job: %w", repository.ErrDuplicateKey)

	// ErrStateConflict is returned when a conditional transition matched
	// no row: the job is missing or another replica moved it first.
	ErrStateConflict = fmt.Errorf("dispatch job: %w", repository.ErrStateConflict)
)

// mongoRepository provides MongoDB access to dispatch job data
type mongoRepository struct {
	jobs *mongo.Collection
}

// NewRepository creates a dispatch job repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		jobs: db.Collection("dispatch_jobs"),
	})
}

func (r *mongoRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	var job DispatchJob
	err := r.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *mongoRepository) Insert(ctx context.Context, job *DispatchJob) error {
	prepareForInsert(job, time.Now())

	_, err := r.jobs.InsertOne(ctx, job)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateJob
	}
	return err
}

func (r *mongoRepository) InsertMany(ctx context.Context, jobs []*DispatchJob) error {
	if len(jobs) == 0 {
		return nil
	}

	now := time.Now()
	docs := make([]interface{}, len(jobs))
	for i, job := range jobs {
		prepareForInsert(job, now)
		docs[i] = job
	}

	_, err := r.jobs.InsertMany(ctx, docs)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateJob
	}
	return err
}

// prepareForInsert fills the generated and defaulted fields. The message
// group is normalized at write time so group queries never have to treat
// the unset case specially.
func prepareForInsert(job *DispatchJob, now time.Time) {
	if job.ID == "" {
		job.ID = tsid.Generate()
	}
	if job.Status == "" {
		job.Status = DispatchStatusPending
	}
	if job.Mode == "" {
		job.Mode = DispatchModeImmediate
	}
	if job.MessageGroup == "" {
		job.MessageGroup = DefaultMessageGroup
	}
	job.CreatedAt = now
	job.UpdatedAt = now
}

func (r *mongoRepository) FindDispatchable(ctx context.Context, now time.Time, limit int64) ([]*DispatchJob, error) {
	filter := bson.M{
		"status": DispatchStatusPending,
		"$and": []bson.M{
			{"$or": []bson.M{
				{"scheduledFor": bson.M{"$exists": false}},
				{"scheduledFor": bson.M{"$lte": now}},
			}},
			{"$or": []bson.M{
				{"expiresAt": bson.M{"$exists": false}},
				{"expiresAt": bson.M{"$gt": now}},
			}},
		},
	}

	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{
			{Key: "messageGroup", Value: 1},
			{Key: "sequence", Value: 1},
			{Key: "createdAt", Value: 1},
		})

	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *mongoRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}

	pipeline := []bson.M{
		{"$match": bson.M{
			"messageGroup": bson.M{"$in": groups},
			"mode":         DispatchModeBlockOnError,
			"status":       DispatchStatusFailed,
		}},
		{"$group": bson.M{"_id": "$messageGroup"}},
	}

	cursor, err := r.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	blocked := make(map[string]bool)
	for cursor.Next(ctx) {
		var result struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			continue
		}
		blocked[result.ID] = true
	}
	return blocked, cursor.Err()
}

func (r *mongoRepository) MarkQueued(ctx context.Context, id string) error {
	return r.transition(ctx,
		bson.M{"_id": id, "status": DispatchStatusPending},
		bson.M{"$set": bson.M{
			"status":    DispatchStatusQueued,
			"updatedAt": time.Now(),
		}})
}

func (r *mongoRepository) RestorePending(ctx context.Context, id string) error {
	return r.transition(ctx,
		bson.M{"_id": id, "status": DispatchStatusQueued},
		bson.M{
			"$set": bson.M{
				"status":    DispatchStatusPending,
				"updatedAt": time.Now(),
			},
			"$inc": bson.M{"attemptCount": 1},
		})
}

func (r *mongoRepository) MarkInFlight(ctx context.Context, id string) error {
	return r.transition(ctx,
		bson.M{"_id": id, "status": DispatchStatusQueued},
		bson.M{"$set": bson.M{
			"status":    DispatchStatusInFlight,
			"updatedAt": time.Now(),
		}})
}

func (r *mongoRepository) MarkCompleted(ctx context.Context, id string, status DispatchStatus, durationMillis int64, lastError string, attempt DispatchAttempt) error {
	now := time.Now()
	if attempt.ID == "" {
		attempt.ID = tsid.Generate()
	}
	attempt.CreatedAt = now

	// The IN_FLIGHT mark can be lost (process restart between routing and
	// completion), so QUEUED is an accepted prior state too.
	filter := bson.M{
		"_id": id,
		"status": bson.M{"$in": []DispatchStatus{
			DispatchStatusQueued,
			DispatchStatusInFlight,
		}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":         status,
			"completedAt":    now,
			"durationMillis": durationMillis,
			"lastError":      lastError,
			"lastAttemptAt":  attempt.AttemptedAt,
			"updatedAt":      now,
		},
		"$inc": bson.M{"attemptCount": 1},
		"$push": bson.M{"attempts": bson.M{
			"$each":  []DispatchAttempt{attempt},
			"$slice": -MaxAttemptsKept,
		}},
	}

	return r.transition(ctx, filter, update)
}

func (r *mongoRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status": bson.M{"$in": []DispatchStatus{
			DispatchStatusPending,
			DispatchStatusQueued,
		}},
		"expiresAt": bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{
		"status":    DispatchStatusExpired,
		"updatedAt": now,
	}}

	result, err := r.jobs.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

func (r *mongoRepository) ReclaimStaleQueued(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	filter := bson.M{
		"status":    DispatchStatusQueued,
		"updatedAt": bson.M{"$lt": now.Add(-threshold)},
	}
	update := bson.M{"$set": bson.M{
		"status":    DispatchStatusPending,
		"updatedAt": now,
	}}

	result, err := r.jobs.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

func (r *mongoRepository) CountByStatus(ctx context.Context, status DispatchStatus) (int64, error) {
	return r.jobs.CountDocuments(ctx, bson.M{"status": status})
}

func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	result, err := r.jobs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// transition applies a conditional single-row update and surfaces a
// no-match as ErrStateConflict.
func (r *mongoRepository) transition(ctx context.Context, filter, update bson.M) error {
	result, err := r.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrStateConflict
	}
	return nil
}
