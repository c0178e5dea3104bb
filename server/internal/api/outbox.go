package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrOutboxClosed 出站队列已关闭
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull 出站队列已满，消息被丢弃
	ErrOutboxFull = errors.New("outbox full")
)

const (
	// 队列容量：超过此值的帧将被丢弃（背压控制）
	defaultOutboxCapacity = 64
	defaultWriteTimeout   = 10 * time.Second
)

// FrameWriter 出站连接（*websocket.Conn）
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// Outbox 为单个本地实时连接串行写出帧。
// websocket 连接不支持并发写，所有推送都经过这里的单协程。
type Outbox struct {
	streamID     string
	writer       FrameWriter
	frames       chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *zap.Logger

	mu      sync.Mutex
	total   int64
	sent    int64
	dropped int64
}

// OutboxStats 队列统计
type OutboxStats struct {
	StreamID string `json:"streamId"`
	Total    int64  `json:"total"`
	Sent     int64  `json:"sent"`
	Dropped  int64  `json:"dropped"`
	Pending  int    `json:"pending"`
	Capacity int    `json:"capacity"`
}

// NewOutbox 创建出站队列并启动写协程；capacity 与 writeTimeout 为 0 时使用默认值
func NewOutbox(streamID string, writer FrameWriter, capacity int, writeTimeout time.Duration, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	o := &Outbox{
		streamID:     streamID,
		writer:       writer,
		frames:       make(chan []byte, capacity),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(zap.String("stream_id", streamID)),
	}

	o.wg.Add(1)
	go o.writeLoop()
	return o
}

// Enqueue 编码并入队（非阻塞）
func (o *Outbox) Enqueue(v any) error {
	select {
	case <-o.ctx.Done():
		return ErrOutboxClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case o.frames <- data:
		o.mu.Lock()
		o.total++
		o.mu.Unlock()
		return nil
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		o.logger.Warn("outbox full, dropping frame", zap.Int("capacity", cap(o.frames)))
		return ErrOutboxFull
	}
}

// Done 在写协程退出（关闭或写失败）后关闭
func (o *Outbox) Done() <-chan struct{} {
	return o.ctx.Done()
}

func (o *Outbox) writeLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case data := <-o.frames:
			if err := o.write(data); err != nil {
				o.logger.Debug("outbox write failed", zap.Error(err))
				o.cancel()
				return
			}
		}
	}
}

func (o *Outbox) write(data []byte) error {
	if err := o.writer.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
		return err
	}
	if err := o.writer.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
	return nil
}

// Close 停止写协程；未写出的帧被丢弃。可重复调用。
func (o *Outbox) Close() {
	o.cancel()
	o.wg.Wait()

	stats := o.Stats()
	o.logger.Debug("outbox closed",
		zap.Int64("total", stats.Total),
		zap.Int64("sent", stats.Sent),
		zap.Int64("dropped", stats.Dropped),
		zap.Int("pending", stats.Pending))
}

// Stats 返回队列统计
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutboxStats{
		StreamID: o.streamID,
		Total:    o.total,
		Sent:     o.sent,
		Dropped:  o.dropped,
		Pending:  len(o.frames),
		Capacity: cap(o.frames),
	}
}
