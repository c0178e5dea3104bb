package realtime

import (
	"sync"
	"sync/atomic"

	"culinary-atlas/server/internal/metrics"

	"go.uber.org/zap"
)

// Handler 处理一条已校验的消息
type Handler func(Message)

// Unsubscribe 取消订阅；可重复调用，连接关闭后调用也安全
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Registry 维护 Kind -> 订阅者列表，并按注册顺序多播。
type Registry struct {
	mu     sync.Mutex
	subs   map[Kind][]*subscription
	nextID uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry 创建订阅表
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:    make(map[Kind][]*subscription),
		logger:  logger,
		metrics: metrics.OrNew(m),
	}
}

// Subscribe 为某个 Kind 注册处理器
func (r *Registry) Subscribe(kind Kind, handler Handler) Unsubscribe {
	r.mu.Lock()
	r.nextID++
	sub := &subscription{id: r.nextID, handler: handler}
	sub.active.Store(true)
	r.subs[kind] = append(r.subs[kind], sub)
	count := len(r.subs[kind])
	r.mu.Unlock()

	r.metrics.Subscribers.WithLabelValues(string(kind)).Set(float64(count))
	r.logger.Debug("subscriber registered", zap.String("kind", string(kind)), zap.Uint64("id", sub.id))

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(kind, sub) })
	}
}

// remove 只移除自己的那一条订阅
func (r *Registry) remove(kind Kind, sub *subscription) {
	sub.active.Store(false)

	r.mu.Lock()
	list := r.subs[kind]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, kind)
	} else {
		r.subs[kind] = list
	}
	count := len(list)
	r.mu.Unlock()

	r.metrics.Subscribers.WithLabelValues(string(kind)).Set(float64(count))
	r.logger.Debug("subscriber removed", zap.String("kind", string(kind)), zap.Uint64("id", sub.id))
}

// Dispatch 同步调用该 Kind 下当前注册的全部处理器，返回实际投递次数。
// 单个处理器 panic 会被记录并跳过，不影响其他订阅者。
func (r *Registry) Dispatch(msg Message) int {
	r.mu.Lock()
	snapshot := make([]*subscription, len(r.subs[msg.Kind]))
	copy(snapshot, r.subs[msg.Kind])
	r.mu.Unlock()

	r.metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()

	delivered := 0
	for _, sub := range snapshot {
		// 快照之后被取消的订阅不再投递
		if !sub.active.Load() {
			continue
		}
		if r.invoke(sub, msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(sub *subscription, msg Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked",
				zap.String("kind", string(msg.Kind)),
				zap.Uint64("id", sub.id),
				zap.Any("panic", rec))
			ok = false
		}
	}()
	sub.handler(msg)
	return true
}

// Count 返回某个 Kind 当前的订阅者数量
func (r *Registry) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[kind])
}
