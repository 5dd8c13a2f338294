package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/cozegate/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source shared by a store and its test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	kv      KV
	advance func(time.Duration)
}

func newSQLiteBackend(t *testing.T) backend {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{now: time.Now()}
	s.now = c.Now
	return backend{kv: s, advance: c.Advance}
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisFromClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{now: time.Now()}
	s.now = c.Now
	return backend{kv: s, advance: func(d time.Duration) {
		c.Advance(d)
		mr.FastForward(d)
	}}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteBackend(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisBackend(t)) })
}

func TestGetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		_, ok, err := b.kv.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, b.kv.Set(ctx, "k", []byte("v1"), 0))
		v, ok, err := b.kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v1", string(v))

		deleted, err := b.kv.Delete(ctx, "k")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = b.kv.Delete(ctx, "k")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestSetExpires(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.kv.Set(ctx, "k", []byte("v"), time.Minute))

		b.advance(2 * time.Minute)

		_, ok, err := b.kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		ok, err := b.kv.CompareAndSet(ctx, "slot", nil, []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "insert into an absent key")

		ok, err = b.kv.CompareAndSet(ctx, "slot", nil, []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "insert must fail while the key is live")

		ok, err = b.kv.CompareAndSet(ctx, "slot", []byte("wrong"), []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.kv.CompareAndSet(ctx, "slot", []byte("a"), []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		v, _, err := b.kv.Get(ctx, "slot")
		require.NoError(t, err)
		assert.Equal(t, "b", string(v))

		ok, err = b.kv.CompareAndSet(ctx, "slot", []byte("b"), nil, 0)
		require.NoError(t, err)
		assert.True(t, ok, "compare and delete")

		_, present, err := b.kv.Get(ctx, "slot")
		require.NoError(t, err)
		assert.False(t, present)
	})
}

func TestCompareAndSetTakesOverExpiredKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		ok, err := b.kv.CompareAndSet(ctx, "slot", nil, []byte("a"), time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		b.advance(2 * time.Second)

		ok, err = b.kv.CompareAndSet(ctx, "slot", nil, []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCompareAndSetSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := b.kv.CompareAndSet(ctx, "slot", nil, []byte{byte('a' + i)}, time.Minute)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestIndex(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, b.kv.IndexAdd(ctx, "idx", "short", now.Add(time.Minute)))
		require.NoError(t, b.kv.IndexAdd(ctx, "idx", "long", now.Add(time.Hour)))
		require.NoError(t, b.kv.IndexAdd(ctx, "idx", "gone", now.Add(time.Hour)))
		require.NoError(t, b.kv.IndexRemove(ctx, "idx", "gone"))

		members, err := b.kv.IndexMembers(ctx, "idx")
		require.NoError(t, err)
		assert.Equal(t, []string{"short", "long"}, members)

		b.advance(2 * time.Minute)

		members, err = b.kv.IndexMembers(ctx, "idx")
		require.NoError(t, err)
		assert.Equal(t, []string{"long"}, members)
	})
}

func TestRedisIndexKeyExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisFromClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.IndexAdd(ctx, "idx", "short", now.Add(time.Minute)))
	require.NoError(t, s.IndexAdd(ctx, "idx", "long", now.Add(time.Hour)))
	require.NoError(t, s.IndexAdd(ctx, "idx", "short", now.Add(2*time.Minute)))

	ttl := mr.TTL("test:idx")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("test:idx"))
}

func TestSQLitePurgeExpired(t *testing.T) {
	b := newSQLiteBackend(t)
	ctx := context.Background()

	require.NoError(t, b.kv.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, b.kv.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, b.kv.IndexAdd(ctx, "idx", "m", time.Now().Add(time.Second)))

	b.advance(time.Minute)

	purged, err := b.kv.(Purger).PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	_, ok, err := b.kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClosedStoreReportsUnavailable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.kv.Close())

		_, _, err := b.kv.Get(ctx, "k")
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

		_, err = b.kv.CompareAndSet(ctx, "k", nil, []byte("v"), time.Minute)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

		assert.ErrorIs(t, b.kv.Ping(ctx), domain.ErrStoreUnavailable)
	})
}
