package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments KEYS[1] and sets its expiry when the key has none,
// which covers both a fresh counter and one that lost its TTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Redis is a Store backed by Redis.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis backed store.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return val, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// SetNX implements Store.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNoTTL
	}
	// SET NX returns nil when the key already exists.
	err := r.client.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return true, nil
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, ErrNoTTL
	}

	res, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, unavailable("incr", err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable("incr", fmt.Errorf("unexpected script reply length %d", len(res)))
	}

	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
