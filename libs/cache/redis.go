// Package cache stores serialised aggregates in Redis for the repository's
// read-through lookups.
//
// Each key is a hash holding the aggregate version ("v") and the encoded
// aggregate ("d"). Writes are version guarded: an entry is never replaced by
// an older read, and invalidation leaves a version marker behind so a reader
// that loaded the row before a commit cannot put the old copy back.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 5 * time.Minute

const (
	fieldVersion = "v"
	fieldData    = "d"
)

// storeScript writes ARGV[2] at version ARGV[1] unless the key is newer.
var storeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// invalidateScript drops the data and raises the marker to ARGV[1] unless the
// key already holds that version or a newer one.
var invalidateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HDEL', KEYS[1], 'd')
redis.call('HSET', KEYS[1], 'v', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "agg"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *Redis) key(k string) string {
	return c.prefix + ":" + k
}

// Get returns (nil, false, nil) on a miss or when only a marker is left.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.rdb.HGet(ctx, c.key(key), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Store caches value read at version. A newer entry or marker wins.
func (c *Redis) Store(ctx context.Context, key string, version int, value []byte) error {
	return storeScript.Run(ctx, c.rdb, []string{c.key(key)}, version, value, c.ttl.Milliseconds()).Err()
}

// Invalidate drops the cached value and refuses later stores older than
// version until the marker expires.
func (c *Redis) Invalidate(ctx context.Context, key string, version int) error {
	return invalidateScript.Run(ctx, c.rdb, []string{c.key(key)}, version, c.ttl.Milliseconds()).Err()
}

// ReadyCheck pings Redis for /readyz.
func ReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
