package memdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input and checks
// it with a PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("memdb: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("memdb: ping redis: %w", err)
	}
	return client, nil
}

// Redis is a MemDb stored in Redis. With a local front, reads are served from
// process memory for at most frontTTL (or the remaining Redis TTL, whichever
// is shorter). Writes from other instances are not seen until the local copy
// expires.
type Redis struct {
	client   redis.UniversalClient
	front    *Local
	frontTTL time.Duration
}

var _ MemDb = (*Redis)(nil)

// NewRedis wraps client. A frontTTL > 0 enables the local read-through layer.
func NewRedis(client redis.UniversalClient, frontTTL time.Duration) *Redis {
	r := &Redis{client: client, frontTTL: frontTTL}
	if frontTTL > 0 {
		r.front = NewLocal()
	}
	return r
}

// Get implements MemDb.
func (r *Redis) Get(ctx context.Context, prefix, key string) (string, bool, error) {
	k := FullKey(prefix, key)
	if r.front != nil {
		if v, ok := r.front.get(k); ok {
			return v, true, nil
		}
	}

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("memdb: redis get %s: %w", k, err)
	}

	v, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("memdb: redis get %s: %w", k, err)
	}

	if r.front != nil {
		r.front.set(k, v, r.frontLifetime(ttlCmd.Val()))
	}
	return v, true, nil
}

// frontLifetime caps the local copy by the remaining Redis TTL. PTTL reports
// -1 for keys without expiry.
func (r *Redis) frontLifetime(remaining time.Duration) time.Duration {
	if remaining > 0 && remaining < r.frontTTL {
		return remaining
	}
	return r.frontTTL
}

// Set implements MemDb.
func (r *Redis) Set(ctx context.Context, prefix, key, value string, ttl time.Duration) error {
	k := FullKey(prefix, key)
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, k, value, ttl).Err(); err != nil {
		return fmt.Errorf("memdb: redis set %s: %w", k, err)
	}
	if r.front != nil {
		r.front.set(k, value, r.frontLifetime(ttl))
	}
	return nil
}

// Del implements MemDb.
func (r *Redis) Del(ctx context.Context, prefix, key string) error {
	k := FullKey(prefix, key)
	if r.front != nil {
		r.front.del(k)
	}
	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("memdb: redis del %s: %w", k, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
