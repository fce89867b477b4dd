package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// A key's expiry is its window boundary, so an expired window reads as a
// missing key and the next INCR starts a new one at 1.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return count
`)

type RedisCounterRepository struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCounterRepository(client redis.Cmdable, prefix string) *RedisCounterRepository {
	return &RedisCounterRepository{client: client, prefix: prefix}
}

func (r *RedisCounterRepository) Peek(ctx context.Context, key string, _ time.Time) (int, error) {
	count, err := r.client.Get(ctx, r.prefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

func (r *RedisCounterRepository) Increment(ctx context.Context, key string, resetAt time.Time, _ time.Time) (int, error) {
	count, err := incrementScript.Run(ctx, r.client, []string{r.prefix + key}, resetAt.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return count, nil
}
