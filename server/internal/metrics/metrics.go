package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总实时层的指标。每个实例使用独立的 Registry，
// 测试中可以重复创建而不会触发重复注册。
type Metrics struct {
	Registry *prometheus.Registry

	// MessagesReceived 按消息类型统计入站消息
	MessagesReceived *prometheus.CounterVec
	// MessagesDropped 按原因统计被丢弃的入站消息
	MessagesDropped *prometheus.CounterVec
	// Connected 当前实时连接是否存活（0/1）
	Connected prometheus.Gauge
	// Subscribers 按消息类型统计当前订阅者数量
	Subscribers *prometheus.GaugeVec

	// ReviewEvents 评论事件对账结果：matched | mismatched | fetch_failed | discarded
	ReviewEvents *prometheus.CounterVec

	// CacheRequests 查询缓存读取结果：hit | miss
	CacheRequests *prometheus.CounterVec
	// CacheInvalidations 被标记为过期的缓存条目数
	CacheInvalidations prometheus.Counter

	// Mutations 变更执行结果：success | failure
	Mutations *prometheus.CounterVec
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_realtime_messages_received_total",
			Help: "Inbound realtime messages by kind",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_realtime_messages_dropped_total",
			Help: "Inbound realtime messages dropped before dispatch",
		}, []string{"reason"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_realtime_connected",
			Help: "Whether the realtime connection is live",
		}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlas_realtime_subscribers",
			Help: "Registered realtime handlers by kind",
		}, []string{"kind"}),
		ReviewEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_review_events_total",
			Help: "Review events by reconciliation outcome",
		}, []string{"outcome"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_query_cache_requests_total",
			Help: "Query cache reads by result",
		}, []string{"result"}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlas_query_cache_invalidations_total",
			Help: "Query cache entries marked stale",
		}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_mutations_total",
			Help: "Mutations by name and result",
		}, []string{"name", "result"}),
	}

	m.Registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.Connected,
		m.Subscribers,
		m.ReviewEvents,
		m.CacheRequests,
		m.CacheInvalidations,
		m.Mutations,
	)
	return m
}

// OrNew 在 m 为 nil 时返回一个新的实例，方便组件的可选注入
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
