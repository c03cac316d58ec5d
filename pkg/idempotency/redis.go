package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares mappings across bridge replicas. Retention is
// delegated to key expiry, so Prune has nothing to do.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client. The registry owns the client and closes it.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) key(k string) string {
	return r.prefix + k
}

// Ping verifies the server is reachable.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, key string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr("get", err)
	}
	return id, true, nil
}

// PutIfAbsent implements Registry.
func (r *RedisRegistry) PutIfAbsent(ctx context.Context, key, requestID string) (string, bool, error) {
	// SETNX is atomic on the server; a lost race falls through to GET.
	for range 3 {
		ok, err := r.client.SetNX(ctx, r.key(key), requestID, r.ttl).Result()
		if err != nil {
			return "", false, mapRedisErr("setnx", err)
		}
		if ok {
			return requestID, true, nil
		}

		existing, found, err := r.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if found {
			return existing, false, nil
		}
		// Expired between SETNX and GET
	}
	return "", false, fmt.Errorf("redis setnx: key %q kept flapping", key)
}

// RemoveIfPresent implements Registry.
func (r *RedisRegistry) RemoveIfPresent(ctx context.Context, key string) (string, bool, error) {
	id, err := r.client.GetDel(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr("getdel", err)
	}
	return id, true, nil
}

// Prune implements Registry.
func (r *RedisRegistry) Prune(context.Context) (int, error) {
	return 0, nil
}

// Close implements Registry.
func (r *RedisRegistry) Close() error {
	err := r.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func mapRedisErr(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
