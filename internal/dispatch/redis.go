package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves up to ARGV[2] delayed tasks due at ARGV[1] to the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const promoteBatch = 100

// RedisQueue keeps ready tasks in a list and delayed tasks in a sorted set
// scored by due time.
type RedisQueue struct {
	client     redis.UniversalClient
	readyKey   string
	delayedKey string
	claimKey   string
}

// NewRedisQueue creates a queue whose keys start with prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisQueue{
		client:     client,
		readyKey:   prefix + ":ready",
		delayedKey: prefix + ":delayed",
		claimKey:   prefix + ":claim:",
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, data).Err(); err != nil {
		return unavailable("enqueue", err)
	}
	return nil
}

// EnqueueAt implements Queue.
func (q *RedisQueue) EnqueueAt(ctx context.Context, task Task, at time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = q.client.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return unavailable("enqueue delayed", err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Task, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err(); err != nil {
		return nil, unavailable("promote", err)
	}

	res, err := q.client.BRPop(ctx, wait, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("dequeue", err)
	}

	// BRPOP replies with the key name followed by the value.
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task %q: %w", res[1], err)
	}
	return &task, nil
}

// Claim implements Queue.
func (q *RedisQueue) Claim(ctx context.Context, signupID int64, owner string, ttl time.Duration) (bool, error) {
	err := q.client.SetArgs(ctx, q.claim(signupID), owner, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("claim", err)
	}
	return true, nil
}

// Release implements Queue.
func (q *RedisQueue) Release(ctx context.Context, signupID int64, owner string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.claim(signupID)}, owner).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

// IsClaimed implements Queue.
func (q *RedisQueue) IsClaimed(ctx context.Context, signupID int64) (bool, error) {
	n, err := q.client.Exists(ctx, q.claim(signupID)).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// Depth implements Queue.
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, unavailable("depth", err)
	}
	return Depth{Ready: ready.Val(), Delayed: delayed.Val()}, nil
}

func (q *RedisQueue) claim(signupID int64) string {
	return q.claimKey + strconv.FormatInt(signupID, 10)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
