// Package reviews 把实时通道里的新评论指针与 REST 详情对账，
// 只把属于当前餐厅的完整评论交给调用方。
package reviews

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"culinary-atlas/server/internal/metrics"
	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/realtime"

	"go.uber.org/zap"
)

// EventSource 新评论事件来源（realtime.Manager）
type EventSource interface {
	OnReview(cb func(model.ReviewEvent)) realtime.Unsubscribe
}

// Fetcher 按 ID 拉取评论详情（restapi.Client）
type Fetcher interface {
	GetReview(ctx context.Context, reviewID model.ID) (model.Review, error)
}

// Option Watcher 可选项
type Option func(*Watcher)

// WithMetrics 注入指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithFetchTimeout 单次详情拉取的超时
func WithFetchTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.fetchTimeout = d }
}

// Watcher 绑定到一个餐厅的评论对账器。
// 事件只是指针，详情必须通过 REST 拉取后才能交给 onReview。
type Watcher struct {
	source       EventSource
	fetcher      Fetcher
	restaurantID model.ID
	onReview     func(model.Review)
	logger       *zap.Logger
	metrics      *metrics.Metrics
	fetchTimeout time.Duration

	// mu 同时保护关闭状态与回调投递：Close 返回之后不会再有回调
	mu     sync.Mutex
	unsub  realtime.Unsubscribe
	closed bool

	inflight sync.WaitGroup
	dropped  atomic.Int64
}

// NewWatcher 创建对账器；调用 Start 后开始接收事件
func NewWatcher(source EventSource, fetcher Fetcher, restaurantID model.ID, onReview func(model.Review), logger *zap.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		source:       source,
		fetcher:      fetcher,
		restaurantID: restaurantID,
		onReview:     onReview,
		logger:       logger.With(zap.String("restaurant_id", restaurantID.String())),
		fetchTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = metrics.OrNew(w.metrics)
	return w
}

// Start 注册评论事件处理器；重复调用或 Close 之后调用无效果
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.unsub != nil {
		return
	}
	w.unsub = w.source.OnReview(w.handle)
}

// Close 注销处理器。进行中的拉取不会被取消，但结果会被丢弃。
// 正在执行的 onReview 会先执行完；onReview 内不能调用 Close。
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Wait 等待所有进行中的拉取结束。只能在不会再有新事件时调用（通常是 Close 之后），
// 不能与事件投递并发。
func (w *Watcher) Wait() {
	w.inflight.Wait()
}

// Dropped 返回因拉取失败被丢弃的事件数
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

// handle 在读协程上运行，不能阻塞：详情拉取放到独立协程
func (w *Watcher) handle(ev model.ReviewEvent) {
	if ev.ReviewID.IsZero() {
		return
	}
	// Add 与 closed 检查同在锁内，Close 之后不会再有新的 Add
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.inflight.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.inflight.Done()
		w.reconcile(ev)
	}()
}

func (w *Watcher) reconcile(ev model.ReviewEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.fetchTimeout)
	defer cancel()

	review, err := w.fetcher.GetReview(ctx, ev.ReviewID)
	if err != nil {
		w.dropped.Add(1)
		w.metrics.ReviewEvents.WithLabelValues("fetch_failed").Inc()
		w.logger.Warn("drop review event: fetch failed",
			zap.String("review_id", ev.ReviewID.String()),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.metrics.ReviewEvents.WithLabelValues("discarded").Inc()
		return
	}

	if !review.RestaurantID.Equal(w.restaurantID) {
		w.metrics.ReviewEvents.WithLabelValues("mismatched").Inc()
		w.logger.Debug("ignore review for another restaurant",
			zap.String("review_id", review.ID.String()),
			zap.String("review_restaurant_id", review.RestaurantID.String()))
		return
	}

	w.metrics.ReviewEvents.WithLabelValues("matched").Inc()
	w.onReview(review)
}
