package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript compares KEYS[1] with ARGV[2] (or requires absence when ARGV[1]
// is "0"), then writes ARGV[4] with a PX of ARGV[5] or deletes the key when
// ARGV[3] is "0". GET returns false for a missing key inside Lua.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
	if cur ~= ARGV[2] then return 0 end
else
	if cur then return 0 end
end
if ARGV[3] == '1' then
	local ttl = tonumber(ARGV[5])
	if ttl > 0 then
		redis.call('SET', KEYS[1], ARGV[4], 'PX', ttl)
	else
		redis.call('SET', KEYS[1], ARGV[4])
	end
else
	redis.call('DEL', KEYS[1])
end
return 1
`)

// indexAddScript adds ARGV[2] to the sorted set KEYS[1] with score ARGV[1]
// and stretches the key's PTTL to at least ARGV[3] ms. PTTL is -1 for a key
// without an expiry, so the first add always sets one.
var indexAddScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local want = tonumber(ARGV[3])
if redis.call('PTTL', KEYS[1]) < want then
	redis.call('PEXPIRE', KEYS[1], want)
end
return 1
`)

// RedisStore implements KV on Redis. Keys expire natively; indexes are
// sorted sets scored by member expiry in unix milliseconds, and each index
// key lives as long as its latest-expiring member.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis connects to the Redis instance at url (redis://host:port/db).
func NewRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisFromClient(client, prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Get returns the live value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return value, true, nil
}

// Set writes value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// CompareAndSet atomically replaces key's value when it equals expected.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	hasExpected, hasValue := "0", "0"
	if expected != nil {
		hasExpected = "1"
	}
	if value != nil {
		hasValue = "1"
	}
	if ttl < 0 {
		ttl = 0
	}

	n, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		hasExpected, expected, hasValue, value, strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, unavailable("compare_and_set", err)
	}
	return n == 1, nil
}

// Delete removes key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, unavailable("delete", err)
	}
	return n > 0, nil
}

// IndexAdd adds member to the named index until expiresAt.
func (s *RedisStore) IndexAdd(ctx context.Context, index, member string, expiresAt time.Time) error {
	ttl := max(expiresAt.Sub(s.now()).Milliseconds(), 1)
	err := indexAddScript.Run(ctx, s.client, []string{s.key(index)},
		strconv.FormatInt(expiresAt.UnixMilli(), 10), member, strconv.FormatInt(ttl, 10),
	).Err()
	if err != nil {
		return unavailable("index_add", err)
	}
	return nil
}

// IndexRemove removes member from the named index.
func (s *RedisStore) IndexRemove(ctx context.Context, index, member string) error {
	if err := s.client.ZRem(ctx, s.key(index), member).Err(); err != nil {
		return unavailable("index_remove", err)
	}
	return nil
}

// IndexMembers trims expired members, then returns the rest in expiry order.
func (s *RedisStore) IndexMembers(ctx context.Context, index string) ([]string, error) {
	k := s.key(index)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", now)
		members = pipe.ZRange(ctx, k, 0, -1)
		return nil
	})
	if err != nil {
		return nil, unavailable("index_members", err)
	}
	return members.Val(), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
