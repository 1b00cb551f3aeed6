// Package redis is the shared ratelimit.CounterStore used when several
// docgate replicas front the same endpoints.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/docgate/internal/ratelimit"
)

// incrScript increments the window counter and arms its expiry on the first
// hit. Running it as one script makes the increment-and-expire atomic per key.
//
// KEYS[1] - counter key
// ARGV[1] - window length in milliseconds
//
// Returns {count, pttl}.
var incrScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Client is the subset of the go-redis API the store needs. It is satisfied
// by *redis.Client, *redis.ClusterClient and *redis.Ring.
type Client interface {
	goredis.Scripter
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

type Counters struct {
	client Client
	prefix string
}

var _ ratelimit.CounterStore = (*Counters)(nil)

type Option func(*Counters)

// WithPrefix namespaces every key, for shared Redis deployments.
func WithPrefix(prefix string) Option {
	return func(c *Counters) { c.prefix = prefix }
}

func New(client Client, opts ...Option) *Counters {
	c := &Counters{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counters) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := incrScript.Run(ctx, c.client, []string{c.prefix + key}, ms).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, errors.New("redis incr: unexpected script reply")
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (c *Counters) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Load preloads the script so later calls go through EVALSHA. Counters work
// without it; Run falls back to EVAL on NOSCRIPT.
func (c *Counters) Load(ctx context.Context) error {
	return incrScript.Load(ctx, c.client).Err()
}
