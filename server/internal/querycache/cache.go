package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"culinary-atlas/server/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Options 缓存选项
type Options struct {
	// StaleTime 条目在多长时间内视为新鲜；<=0 表示只在显式失效时过期
	StaleTime time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time

	// FetchTimeout 单次共享拉取的超时，默认 30s
	FetchTimeout time.Duration
}

type observer struct {
	key Key
	fn  func()
}

// Cache 是带显式失效的查询缓存。
// 同一键的并发读取只触发一次网络请求；Invalidate 后下一次读取会重新拉取，
// 并通知依赖该键的观察者刷新。
type Cache struct {
	store        Store
	staleTime    time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	epoch        atomic.Uint64

	mu        sync.Mutex
	observers map[uint64]observer
	nextID    uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New 创建缓存；store 为 nil 时使用内存后端
func New(store Store, opts Options) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Cache{
		store:        store,
		staleTime:    opts.StaleTime,
		fetchTimeout: opts.FetchTimeout,
		observers:    make(map[uint64]observer),
		logger:       opts.Logger,
		metrics:      metrics.OrNew(opts.Metrics),
		now:          opts.Now,
	}
}

// Fetch 读取 key 对应的查询结果；缺失、已失效或超过 StaleTime 时调用 fetch 拉取。
// fetch 的错误不会被缓存。
func Fetch[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	if entry, ok := c.lookup(ctx, key); ok {
		var v T
		if err := json.Unmarshal(entry.Value, &v); err == nil {
			c.metrics.CacheRequests.WithLabelValues("hit").Inc()
			return v, nil
		}
		c.logger.Warn("discard undecodable cache entry", zap.String("key", key.String()))
	}
	c.metrics.CacheRequests.WithLabelValues("miss").Inc()

	// 共享拉取不继承任何一个调用方的取消：先到的调用方离开不影响其他等待者
	ch := c.group.DoChan(key.String(), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		startEpoch := c.epoch.Load()

		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode query result: %w", err)
		}

		// 拉取期间发生过失效，结果可能已经过时：返回给本次调用方，但存为过期
		entry := Entry{
			Value:     data,
			FetchedAt: c.now(),
			Stale:     c.epoch.Load() != startEpoch,
		}
		if err := c.store.Set(fetchCtx, key, entry); err != nil {
			c.logger.Warn("cache set failed", zap.String("key", key.String()), zap.Error(err))
		}
		return json.RawMessage(data), nil
	})

	var raw any
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		raw = res.Val
	}

	var v T
	if err := json.Unmarshal(raw.(json.RawMessage), &v); err != nil {
		return zero, fmt.Errorf("decode query result: %w", err)
	}
	return v, nil
}

// lookup 返回仍然新鲜的条目
func (c *Cache) lookup(ctx context.Context, key Key) (Entry, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false
	}
	if !ok || entry.Stale {
		return Entry{}, false
	}
	if c.staleTime > 0 && c.now().Sub(entry.FetchedAt) >= c.staleTime {
		return Entry{}, false
	}
	return entry, true
}

// IsFresh 判断 key 当前是否有新鲜的缓存
func (c *Cache) IsFresh(ctx context.Context, key Key) bool {
	_, ok := c.lookup(ctx, key)
	return ok
}

// Invalidate 将以任一 key 为前缀的条目标记为过期，并通知匹配的观察者。
// 返回被标记的条目数。
func (c *Cache) Invalidate(ctx context.Context, keys ...Key) int {
	if len(keys) == 0 {
		return 0
	}
	c.epoch.Add(1)

	total := 0
	for _, key := range keys {
		n, err := c.store.MarkStale(ctx, key)
		if err != nil {
			c.logger.Warn("cache invalidate failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		total += n
		c.logger.Debug("cache invalidated", zap.String("key", key.String()), zap.Int("entries", n))
	}
	c.metrics.CacheInvalidations.Add(float64(total))

	for _, fn := range c.matchingObservers(keys) {
		fn()
	}
	return total
}

func (c *Cache) matchingObservers(keys []Key) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uint64, 0, len(c.observers))
	for id, obs := range c.observers {
		for _, key := range keys {
			if obs.key.HasPrefix(key) {
				ids = append(ids, id)
				break
			}
		}
	}
	slices.Sort(ids)

	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.observers[id].fn)
	}
	return out
}

// Observe 注册依赖 key 的观察者，在该键被失效后同步调用 fn。
// 返回可重复调用的取消函数。
func (c *Cache) Observe(key Key, fn func()) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers[id] = observer{key: append(Key(nil), key...), fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}
