// Package mongo wraps the MongoDB client with connection defaults and
// the index bootstrap for the dispatch collections.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client wraps the driver client with the default database bound.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// Connect establishes a connection and verifies it with a ping. The
// caller owns the context; connection pool settings suit a service that
// holds the connection for its whole lifetime.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(5 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	slog.Info("Connected to MongoDB", "database", database)

	return &Client{
		client:   client,
		database: client.Database(database),
	}, nil
}

// Database returns the bound database.
func (c *Client) Database() *mongo.Database {
	return c.database
}

// Collection returns a collection from the bound database.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Ping checks whether the primary answers. Used as the readiness
// dependency check.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the connection pool.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
