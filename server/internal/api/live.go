package api

import (
	"context"
	"time"

	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/reviews"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// liveFrame 推送给本地订阅者的帧
type liveFrame struct {
	Type         string        `json:"type"`
	StreamID     string        `json:"streamId,omitempty"`
	RestaurantID string        `json:"restaurantId,omitempty"`
	Review       *model.Review `json:"review,omitempty"`
	SentAt       time.Time     `json:"sentAt"`
}

const (
	frameReady  = "ready"
	frameReview = "review"
)

// handleLive 每条本地连接挂载一个评论对账器，连接关闭即卸载
func (s *Server) handleLive(c *gin.Context) {
	restaurantID := model.ID(c.Param("id"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade live stream failed", zap.Error(err))
		return
	}
	defer conn.Close()

	streamID := uuid.NewString()
	logger := s.logger.With(
		zap.String("stream_id", streamID),
		zap.String("restaurant_id", restaurantID.String()))

	var writeTimeout time.Duration
	if s.Config != nil {
		writeTimeout = s.Config.Server.WriteTimeout
	}
	outbox := NewOutbox(streamID, conn, 0, writeTimeout, logger)
	defer outbox.Close()

	watcher := reviews.NewWatcher(s.Realtime, s.Client, restaurantID, func(r model.Review) {
		// 新评论到达，列表缓存随之过期
		s.Cache.Invalidate(context.Background(), querycache.NewKey("reviews", restaurantID.String()))
		review := r
		if err := outbox.Enqueue(liveFrame{
			Type:         frameReview,
			RestaurantID: restaurantID.String(),
			Review:       &review,
			SentAt:       s.now(),
		}); err != nil {
			logger.Debug("drop live review", zap.Error(err))
		}
	}, logger, reviews.WithMetrics(s.Metrics))
	watcher.Start()
	defer watcher.Close()

	_ = outbox.Enqueue(liveFrame{
		Type:         frameReady,
		StreamID:     streamID,
		RestaurantID: restaurantID.String(),
		SentAt:       s.now(),
	})
	logger.Info("live stream opened")

	// 本地客户端不发送业务消息，读循环只用于感知关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-outbox.Done():
	}
	logger.Info("live stream closed", zap.Int64("dropped_reviews", watcher.Dropped()))
}
