package querycache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "Atlas", time.Minute, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := NewKey("reviews", "R1", "1", "20")

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	fetched := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Set(ctx, key, Entry{Value: []byte(`{"items":[]}`), FetchedAt: fetched}))

	entry, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"items":[]}`, string(entry.Value))
	assert.True(t, entry.FetchedAt.Equal(fetched))

	// 命名空间统一小写，键为 <ns>:query:<key>
	assert.True(t, mr.Exists("atlas:query:reviews:R1:1:20"))
	assert.Equal(t, time.Minute, mr.TTL("atlas:query:reviews:R1:1:20"))
}

func TestRedisStoreMarkStaleByPrefix(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	for _, k := range []Key{
		NewKey("reviews", "R1"),
		NewKey("reviews", "R1", "1", "20"),
		NewKey("reviews", "R10", "1", "20"),
		NewKey("notifications"),
	} {
		require.NoError(t, store.Set(ctx, k, Entry{Value: []byte(`1`)}))
	}

	n, err := store.MarkStale(ctx, NewKey("reviews", "R1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.False(t, mr.Exists("atlas:query:reviews:R1"))
	assert.False(t, mr.Exists("atlas:query:reviews:R1:1:20"))
	assert.True(t, mr.Exists("atlas:query:reviews:R10:1:20"))
	assert.True(t, mr.Exists("atlas:query:notifications"))
}

func TestRedisStoreMarkStaleEmptyPrefixStaysInNamespace(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, NewKey("reviews", "R1"), Entry{Value: []byte(`1`)}))
	require.NoError(t, store.Set(ctx, NewKey("notifications"), Entry{Value: []byte(`1`)}))
	require.NoError(t, mr.Set("other:query:reviews", "keep"))

	n, err := store.MarkStale(ctx, NewKey())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("other:query:reviews"))
	assert.False(t, mr.Exists("atlas:query:notifications"))
}

func TestCacheOverRedisInvalidatesAndRefetches(t *testing.T) {
	store, mr := newTestRedisStore(t)
	c := New(store, Options{})
	ctx := context.Background()
	var calls atomic.Int32

	r1 := NewKey("reviews", "R1", "1", "20")
	notifications := NewKey("notifications")
	for _, k := range []Key{r1, notifications} {
		_, err := Fetch(ctx, c, k, counter(&calls, "v1"))
		require.NoError(t, err)
	}
	_, err := Fetch(ctx, c, r1, counter(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	assert.Equal(t, 1, c.Invalidate(ctx, NewKey("reviews")))
	assert.False(t, mr.Exists("atlas:query:reviews:R1:1:20"))
	assert.True(t, c.IsFresh(ctx, notifications))

	v, err := Fetch(ctx, c, r1, counter(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, c.IsFresh(ctx, r1))
}
