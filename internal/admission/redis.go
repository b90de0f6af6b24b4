package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// incrWindow increments the key and starts its expiry on the first hit, in
// one atomic step.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounter keeps windows in Redis so every service instance shares them.
type RedisCounter struct {
	client redis.UniversalClient
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisCounterFromURL connects using a redis:// or rediss:// URL.
func NewRedisCounterFromURL(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindow.Run(ctx, c.client, []string{keyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr window: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}
