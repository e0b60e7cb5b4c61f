package standby

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// refreshIfOwner atomically extends the TTL only when the lock value still
// matches our instance id; releaseIfOwner deletes under the same guard.
// Both run as Lua so no other contender can slip in between GET and write.
var (
	refreshIfOwner = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseIfOwner = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisLockProvider backs the election lock with a single Redis key whose
// value is the holder's instance id and whose TTL is the lease.
type RedisLockProvider struct {
	client *redis.Client
}

// NewRedisLockProvider creates a new Redis-based lock provider
func NewRedisLockProvider(redisURL string) (*RedisLockProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("Connected to Redis for distributed locking", "url", redisURL)
	return &RedisLockProvider{client: client}, nil
}

// TryAcquire takes the lock with SET NX: it succeeds only while no other
// instance holds the key.
func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, key, instanceID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		slog.Debug("Lock acquired", "key", key, "instanceId", instanceID, "ttl", ttl)
	}
	return ok, nil
}

// Refresh extends the lease; returns false when the lock has passed to
// someone else.
func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	extended, err := refreshIfOwner.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

// Release drops the lock, but only if this instance still owns it.
func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	if _, err := releaseIfOwner.Run(ctx, p.client, []string{key}, instanceID).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	slog.Debug("Lock released", "key", key, "instanceId", instanceID)
	return nil
}

// GetHolder returns the instance id currently stored under the lock key,
// or empty when no one holds it.
func (p *RedisLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder, nil
}

// IsAvailable checks if Redis is reachable
func (p *RedisLockProvider) IsAvailable(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

// Close closes the Redis connection
func (p *RedisLockProvider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
