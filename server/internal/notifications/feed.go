// Package notifications 维护账户通知：实时推送、分页列表与已读状态。
package notifications

import (
	"context"
	"strconv"
	"sync"

	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/mutation"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/realtime"

	"go.uber.org/zap"
)

// maxRecent 保留的最近实时通知条数
const maxRecent = 50

// Source 实时通知来源（realtime.Manager）
type Source interface {
	OnNotification(cb func(model.Notification)) realtime.Unsubscribe
}

// Lister 分页拉取通知（restapi.Client）
type Lister interface {
	ListNotifications(ctx context.Context, page, limit int) (model.Page[model.Notification], error)
}

// Feed 通知流。实时通知到达时使 ["notifications"] 失效，列表读取走查询缓存。
type Feed struct {
	source    Source
	lister    Lister
	cache     *querycache.Cache
	runner    *mutation.Runner
	mutations mutation.Set
	logger    *zap.Logger

	mu     sync.Mutex
	recent []model.Notification
	known  map[model.ID]bool // id -> isRead
	unsub  realtime.Unsubscribe
}

// NewFeed 创建通知流；调用 Start 开始接收实时通知
func NewFeed(source Source, lister Lister, cache *querycache.Cache, runner *mutation.Runner, mutations mutation.Set, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		source:    source,
		lister:    lister,
		cache:     cache,
		runner:    runner,
		mutations: mutations,
		logger:    logger,
		known:     make(map[model.ID]bool),
	}
}

// Key 返回通知列表的查询键
func Key(page, limit int) querycache.Key {
	return querycache.NewKey("notifications", strconv.Itoa(page), strconv.Itoa(limit))
}

// Start 订阅实时通知
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsub != nil {
		return
	}
	f.unsub = f.source.OnNotification(f.handle)
}

// Close 取消订阅，可重复调用
func (f *Feed) Close() {
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (f *Feed) handle(n model.Notification) {
	f.mu.Lock()
	if _, seen := f.known[n.ID]; !seen {
		f.recent = append([]model.Notification{n}, f.recent...)
		if len(f.recent) > maxRecent {
			f.recent = f.recent[:maxRecent]
		}
	}
	f.known[n.ID] = n.IsRead
	f.mu.Unlock()

	f.logger.Debug("notification received", zap.String("notification_id", n.ID.String()))
	f.cache.Invalidate(context.Background(), querycache.NewKey("notifications"))
}

// Recent 返回最近收到的实时通知（新的在前）
func (f *Feed) Recent() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Notification, len(f.recent))
	copy(out, f.recent)
	for i := range out {
		out[i].IsRead = f.known[out[i].ID]
	}
	return out
}

// Unread 返回已知通知中的未读数
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, read := range f.known {
		if !read {
			n++
		}
	}
	return n
}

// List 分页读取通知，结果会合并进已读状态
func (f *Feed) List(ctx context.Context, page, limit int) (model.Page[model.Notification], error) {
	result, err := querycache.Fetch(ctx, f.cache, Key(page, limit), func(ctx context.Context) (model.Page[model.Notification], error) {
		return f.lister.ListNotifications(ctx, page, limit)
	})
	if err != nil {
		return result, err
	}

	f.mu.Lock()
	for _, n := range result.Items {
		f.known[n.ID] = n.IsRead
	}
	f.mu.Unlock()
	return result, nil
}

// MarkRead 标记单条通知已读
func (f *Feed) MarkRead(ctx context.Context, id model.ID) error {
	if _, err := mutation.Run(ctx, f.runner, f.mutations.MarkNotificationRead, id); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.known[id]; ok {
		f.known[id] = true
	}
	f.mu.Unlock()
	return nil
}

// MarkAllRead 标记全部通知已读
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if _, err := mutation.Run(ctx, f.runner, f.mutations.MarkAllRead, struct{}{}); err != nil {
		return err
	}
	f.mu.Lock()
	for id := range f.known {
		f.known[id] = true
	}
	f.mu.Unlock()
	return nil
}
