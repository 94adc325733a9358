package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// jobRetention is how long finished dispatch jobs stay queryable before
// the TTL monitor removes them.
const jobRetention = 30 * 24 * time.Hour

// IndexDefinition describes one index to ensure at startup.
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// Indexes returns the index catalog for the dispatch collections. The
// leader_locks TTL index is owned by the elector, which creates it when
// it starts.
func Indexes() []IndexDefinition {
	return []IndexDefinition{
		// dispatch_jobs: the scheduler polls PENDING jobs that are due.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}},
		},
		// Block checker looks up groups with BLOCKED members.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}},
		},
		// Expired sweep matches on status plus expiresAt.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}},
		},
		// Stale QUEUED reclaim matches on status plus updatedAt.
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "createdAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(int32(jobRetention / time.Second)),
		},

		// dispatch_pools
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "status", Value: 1}},
		},
	}
}

// EnsureIndexes creates the catalog's indexes. Creation failures are
// logged and skipped: an index that already exists with different
// options should not stop the service from starting.
func EnsureIndexes(ctx context.Context, client *Client) {
	indexes := Indexes()
	for _, idx := range indexes {
		model := mongo.IndexModel{Keys: idx.Keys, Options: idx.Options}
		if _, err := client.Collection(idx.Collection).Indexes().CreateOne(ctx, model); err != nil {
			slog.Warn("Failed to create index",
				"collection", idx.Collection,
				"error", err)
		}
	}
	slog.Info("Index bootstrap complete", "count", len(indexes))
}
