package standby

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ownership checks and the mutation run inside one script so a lease
// cannot be extended or deleted after another instance takes it over.
var (
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisLockProvider backs the leader lock with a Redis key holding the
// owner's instance ID.
type RedisLockProvider struct {
	client *redis.Client
}

// NewRedisLockProvider connects to Redis and verifies it responds before
// handing the provider to the election loop. A non-empty password
// overrides whatever the URL carries, so credentials can come from the
// secrets provider instead of the config file.
func NewRedisLockProvider(redisURL, password string) (*RedisLockProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("Connected to Redis for leader locking", "addr", opts.Addr)

	return &RedisLockProvider{client: client}, nil
}

// TryAcquire claims the lock with SET NX, so only the first contender on
// a free key wins.
func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, instanceID, ttl).Result()
	if err != nil {
		return false, err
	}

	if ok {
		slog.Debug("Leader lock acquired", "key", key, "instanceId", instanceID, "ttl", ttl)
	}
	return ok, nil
}

// Refresh extends the TTL when the key still carries our instance ID.
func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	extended, err := refreshScript.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

// Release deletes the key when the key still carries our instance ID.
func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := releaseScript.Run(ctx, p.client, []string{key}, instanceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	slog.Debug("Leader lock released", "key", key, "instanceId", instanceID)
	return nil
}

// Holder reads the owning instance ID, "" when the lock is free.
func (p *RedisLockProvider) Holder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return holder, nil
}

// Available reports whether Redis answers a ping.
func (p *RedisLockProvider) Available(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

// Close shuts the Redis connection down.
func (p *RedisLockProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
