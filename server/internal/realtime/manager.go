package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/metrics"
	"culinary-atlas/server/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNoToken 没有可用的会话 token，无法建立连接
var ErrNoToken = errors.New("realtime: session token is empty")

// errReconnectAborted 断线后已被主动断开或换号，放弃重连
var errReconnectAborted = errors.New("realtime: reconnect aborted")

// Dialer 抽象 websocket.Dialer，便于测试替换
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// ManagerConfig 连接管理器配置
type ManagerConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	Reconnect        config.ReconnectConfig
}

// ManagerConfigFrom 从全局配置构造 ManagerConfig
func ManagerConfigFrom(cfg config.RealtimeConfig) ManagerConfig {
	return ManagerConfig{
		URL:              cfg.URL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		Reconnect:        cfg.Reconnect,
	}
}

// Manager 持有唯一的实时连接，并把入站消息交给 Registry 多播。
// 职责：
// 1. Connect/Disconnect 幂等，任意时刻最多一条存活连接
// 2. 单读协程按到达顺序同步分发
// 3. 保活 ping
// 4. 可选的断线重连（默认关闭）
type Manager struct {
	cfg      ManagerConfig
	dialer   Dialer
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// mu 保护连接生命周期；拨号也在锁内完成，保证不会出现两条连接
	mu    sync.Mutex
	conn  *websocket.Conn
	stop  chan struct{}
	token string

	writeMu   sync.Mutex
	connected atomic.Bool

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc
}

// NewManager 创建连接管理器；dialer 为 nil 时使用 gorilla 默认 Dialer
func NewManager(cfg ManagerConfig, registry *Registry, dialer Dialer, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m = metrics.OrNew(m)
	if registry == nil {
		registry = NewRegistry(logger, m)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

// Registry 返回底层订阅表
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect 使用 token 建立连接；已连接时为空操作
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return nil
	}
	return m.dialLocked(ctx, token)
}

// dialLocked 拨号并启动读/ping 协程，调用方需持有 mu
func (m *Manager) dialLocked(ctx context.Context, token string) error {
	target, err := withToken(m.cfg.URL, token)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, target, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime: status=%d err=%w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial realtime: %w", err)
	}

	stop := make(chan struct{})
	m.conn = conn
	m.stop = stop
	m.token = token
	m.setConnected(true)

	conn.SetPongHandler(func(string) error { return nil })

	go m.readLoop(conn, stop)
	go m.pingLoop(conn, stop)

	m.logger.Info("realtime connected", zap.String("url", m.cfg.URL))
	return nil
}

// Disconnect 主动断开；未连接时安全，可重复调用
func (m *Manager) Disconnect() error {
	m.cancelReconnect()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = ""
	if m.conn == nil {
		return nil
	}

	conn := m.conn
	m.teardownLocked()

	m.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.writeMu.Unlock()

	err := conn.Close()
	m.logger.Info("realtime disconnected")
	return err
}

// teardownLocked 清理当前连接状态，调用方需持有 mu
func (m *Manager) teardownLocked() {
	close(m.stop)
	m.conn = nil
	m.stop = nil
	m.setConnected(false)
}

// IsConnected 返回连接是否存活
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// OnNotification 注册通知处理器
func (m *Manager) OnNotification(cb func(model.Notification)) Unsubscribe {
	return m.registry.Subscribe(KindNotification, func(msg Message) {
		if msg.Notification != nil {
			cb(*msg.Notification)
		}
	})
}

// OnReview 注册新评论事件处理器
func (m *Manager) OnReview(cb func(model.ReviewEvent)) Unsubscribe {
	return m.registry.Subscribe(KindReview, func(msg Message) {
		if msg.Review != nil {
			cb(*msg.Review)
		}
	})
}

// readLoop 读取入站消息并同步分发（单协程，保持到达顺序）
func (m *Manager) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		if messageType != websocket.TextMessage {
			m.metrics.MessagesDropped.WithLabelValues("binary").Inc()
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			m.metrics.MessagesDropped.WithLabelValues("invalid").Inc()
			m.logger.Warn("drop realtime message", zap.Error(err))
			continue
		}
		m.registry.Dispatch(msg)
	}
}

// handleDrop 处理传输层断开。主动 Disconnect 时 conn 已被替换，这里什么都不做。
func (m *Manager) handleDrop(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	token := m.token
	m.teardownLocked()
	_ = conn.Close()
	m.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("realtime connection closed by server")
	} else {
		m.logger.Warn("realtime connection lost", zap.Error(err))
	}

	if m.cfg.Reconnect.Enabled && token != "" {
		m.startReconnect(token)
	}
}

// pingLoop 定期发送 ping 保持连接
func (m *Manager) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("realtime ping failed", zap.Error(err))
			}
		}
	}
}

// startReconnect 以指数退避重新拨号，Disconnect 会取消它
func (m *Manager) startReconnect(token string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.reconnectMu.Lock()
	if m.reconnectCancel != nil {
		m.reconnectCancel()
	}
	m.reconnectCancel = cancel
	m.reconnectMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	if m.cfg.Reconnect.InitialInterval > 0 {
		bo.InitialInterval = m.cfg.Reconnect.InitialInterval
	}
	if m.cfg.Reconnect.MaxInterval > 0 {
		bo.MaxInterval = m.cfg.Reconnect.MaxInterval
	}
	bo.MaxElapsedTime = m.cfg.Reconnect.MaxElapsedTime
	bo.Reset()

	go func() {
		defer cancel()

		// 首次重连也等待一个初始间隔，避免服务端刚关闭就立即重拨
		timer := time.NewTimer(bo.InitialInterval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		attempt := 0
		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			attempt++
			m.logger.Info("realtime reconnecting", zap.Int("attempt", attempt))
			return m.reconnect(ctx, token)
		}, backoff.WithContext(bo, ctx))
		if errors.Is(err, errReconnectAborted) {
			m.logger.Info("realtime reconnect aborted: session changed")
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("realtime reconnect gave up", zap.Int("attempts", attempt), zap.Error(err))
		}
	}()
}

// reconnect 在 mu 内确认断线时的 token 仍然有效再拨号。
// Disconnect 会清空 token，换号会替换 token，两种情况都放弃重连。
func (m *Manager) reconnect(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != token {
		return backoff.Permanent(errReconnectAborted)
	}
	if m.conn != nil {
		return nil
	}
	return m.dialLocked(ctx, token)
}

func (m *Manager) cancelReconnect() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	if m.reconnectCancel != nil {
		m.reconnectCancel()
		m.reconnectCancel = nil
	}
}

func (m *Manager) setConnected(v bool) {
	m.connected.Store(v)
	if v {
		m.metrics.Connected.Set(1)
	} else {
		m.metrics.Connected.Set(0)
	}
}

// withToken 把 token 追加为查询参数，兼容不支持自定义握手头的网关
func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
