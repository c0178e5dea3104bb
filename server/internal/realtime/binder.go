package realtime

import (
	"context"
	"sync"
	"time"

	"culinary-atlas/server/internal/session"

	"go.uber.org/zap"
)

// TokenSource 会话 token 的来源（session.TokenStore）
type TokenSource interface {
	Token() string
	Subscribe(obs session.Observer) func()
}

// Connector 连接管理器中 Binder 需要的部分
type Connector interface {
	Connect(ctx context.Context, token string) error
	Disconnect() error
}

// Binder 把连接生命周期绑定到会话 token：
// 无 -> 有：连接；有 -> 无：断开；有 -> 另一个：断开后用新 token 重连。
// Close 相当于观察者组件卸载，会断开连接。
type Binder struct {
	store          TokenSource
	conn           Connector
	logger         *zap.Logger
	connectTimeout time.Duration

	mu      sync.Mutex
	current string
	unsub   func()
	closed  bool
}

// NewBinder 创建 Binder；需要调用 Start 才开始观察
func NewBinder(store TokenSource, conn Connector, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		store:          store,
		conn:           conn,
		logger:         logger,
		connectTimeout: 20 * time.Second,
	}
}

// Start 订阅 token 变化，并立即按当前 token 同步一次连接状态
func (b *Binder) Start() {
	b.mu.Lock()
	if b.closed || b.unsub != nil {
		b.mu.Unlock()
		return
	}
	b.unsub = b.store.Subscribe(b.onToken)
	b.mu.Unlock()

	b.onToken(b.store.Token())
}

// Close 取消观察并断开连接，可重复调用
func (b *Binder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsub := b.unsub
	b.unsub = nil
	b.current = ""
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if err := b.conn.Disconnect(); err != nil {
		b.logger.Debug("disconnect on close", zap.Error(err))
	}
}

func (b *Binder) onToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	prev := b.current
	b.current = token

	switch {
	case prev == token:
		return
	case token == "":
		if err := b.conn.Disconnect(); err != nil {
			b.logger.Debug("disconnect on sign-out", zap.Error(err))
		}
		return
	case prev != "":
		// 换号：旧 token 建立的连接不能复用
		if err := b.conn.Disconnect(); err != nil {
			b.logger.Debug("disconnect on token change", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.connectTimeout)
	defer cancel()
	if err := b.conn.Connect(ctx, token); err != nil {
		// 传输失败只记录；下一次 token 变化时再尝试
		b.logger.Warn("realtime connect failed", zap.Error(err))
	}
}
