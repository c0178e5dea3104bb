package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"culinary-atlas/server/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func counter(calls *atomic.Int32, value string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestKeyPrefixAndString(t *testing.T) {
	k := NewKey("reviews", "R:1")

	assert.True(t, k.HasPrefix(NewKey("reviews")))
	assert.True(t, k.HasPrefix(NewKey()))
	assert.False(t, k.HasPrefix(NewKey("review")))
	assert.False(t, NewKey("reviews").HasPrefix(k))
	assert.Equal(t, "reviews:R%3A1", k.String())
	assert.True(t, k.Equal(NewKey("reviews", "R:1")))
}

func TestFetchCachesUntilInvalidated(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()
	var calls atomic.Int32
	key := NewKey("reviews", "R1")

	for i := 0; i < 3; i++ {
		v, err := Fetch(ctx, c, key, counter(&calls, "v1"))
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, 1, c.Invalidate(ctx, NewKey("reviews", "R1")))
	assert.False(t, c.IsFresh(ctx, key))

	_, err := Fetch(ctx, c, key, counter(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateMatchesByPrefixOnly(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()
	var calls atomic.Int32

	for _, k := range []Key{NewKey("reviews", "R1"), NewKey("reviews", "R2"), NewKey("notifications")} {
		_, err := Fetch(ctx, c, k, counter(&calls, "x"))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Invalidate(ctx, NewKey("reviews")))
	assert.False(t, c.IsFresh(ctx, NewKey("reviews", "R1")))
	assert.False(t, c.IsFresh(ctx, NewKey("reviews", "R2")))
	assert.True(t, c.IsFresh(ctx, NewKey("notifications")))
}

func TestFetchRespectsStaleTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(nil, Options{StaleTime: 30 * time.Second, Now: clock.Now})
	ctx := context.Background()
	var calls atomic.Int32
	key := NewKey("notifications")

	_, _ = Fetch(ctx, c, key, counter(&calls, "a"))
	clock.Advance(29 * time.Second)
	_, _ = Fetch(ctx, c, key, counter(&calls, "a"))
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Second)
	_, _ = Fetch(ctx, c, key, counter(&calls, "a"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()
	key := NewKey("reviews", "R1")
	boom := errors.New("boom")

	_, err := Fetch(ctx, c, key, func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.IsFresh(ctx, key))

	v, err := Fetch(ctx, c, key, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestFetchDeduplicatesConcurrentCallers(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"a", "b"}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Fetch(ctx, c, NewKey("reviews", "R1"), fetch)
			if err == nil {
				results[i] = v
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, []string{"a", "b"}, r)
	}
}

func TestFetchCallerCancelDoesNotFailOtherWaiters(t *testing.T) {
	c := New(nil, Options{})
	key := NewKey("reviews", "R1")
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		// 共享拉取不应随第一个调用方一起被取消
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "list", nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := Fetch(ctxA, c, key, fetch)
		errA <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := Fetch(context.Background(), c, key, fetch)
		resB <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "list", b.v)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.IsFresh(context.Background(), key))
}

func TestInvalidationDuringFetchStoresStale(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()
	key := NewKey("reviews", "R1")
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Fetch(ctx, c, key, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()

	<-started
	c.Invalidate(ctx, NewKey("reviews"))
	close(release)
	<-done

	assert.False(t, c.IsFresh(ctx, key))
}

func TestObserversNotifiedOnMatchingInvalidation(t *testing.T) {
	c := New(nil, Options{})
	ctx := context.Background()

	var r1, r2, notif int
	stop := c.Observe(NewKey("reviews", "R1"), func() { r1++ })
	c.Observe(NewKey("reviews", "R2"), func() { r2++ })
	c.Observe(NewKey("notifications"), func() { notif++ })

	c.Invalidate(ctx, NewKey("reviews", "R1"))
	c.Invalidate(ctx, NewKey("reviews"))
	stop()
	stop()
	c.Invalidate(ctx, NewKey("reviews"))

	assert.Equal(t, 2, r1)
	assert.Equal(t, 2, r2)
	assert.Equal(t, 0, notif)
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, config.RedisConfig{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
