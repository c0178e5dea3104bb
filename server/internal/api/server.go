package api

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/metrics"
	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/mutation"
	"culinary-atlas/server/internal/notifications"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/realtime"
	"culinary-atlas/server/internal/restapi"
	"culinary-atlas/server/internal/reviews"
	"culinary-atlas/server/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps 本地 HTTP 面依赖的组件，全部由 main 显式注入
type Deps struct {
	Config    *config.Config
	Sessions  *session.TokenStore
	Realtime  *realtime.Manager
	Client    *restapi.Client
	Cache     *querycache.Cache
	Runner    *mutation.Runner
	Mutations mutation.Set
	Feed      *notifications.Feed
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Server struct {
	Deps
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Metrics = metrics.OrNew(deps.Metrics)

	s := &Server{
		Deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	api.GET("/realtime/status", s.handleRealtimeStatus)
	api.POST("/session", s.handleSignIn)
	api.DELETE("/session", s.handleSignOut)

	api.GET("/restaurants/:id/reviews", s.handleListReviews)
	api.POST("/restaurants/:id/reviews", s.handleCreateReview)
	api.DELETE("/restaurants/:id/reviews/:reviewId", s.handleDeleteReview)
	api.GET("/restaurants/:id/live", s.handleLive)

	api.GET("/notifications", s.handleListNotifications)
	api.POST("/notifications/read-all", s.handleMarkAllRead)
	api.POST("/notifications/:id/read", s.handleMarkRead)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type realtimeStatus struct {
	Connected   bool           `json:"connected"`
	SignedIn    bool           `json:"signedIn"`
	Subscribers map[string]int `json:"subscribers"`
}

func (s *Server) status() realtimeStatus {
	registry := s.Realtime.Registry()
	return realtimeStatus{
		Connected: s.Realtime.IsConnected(),
		SignedIn:  s.Sessions.Token() != "",
		Subscribers: map[string]int{
			string(realtime.KindNotification): registry.Count(realtime.KindNotification),
			string(realtime.KindReview):       registry.Count(realtime.KindReview),
		},
	}
}

func (s *Server) handleRealtimeStatus(c *gin.Context) {
	ok(c, s.status())
}

type signInRequest struct {
	Token    string `json:"token"`
	Language string `json:"language"`
}

// handleSignIn 写入 token；连接由 Binder 根据 token 变化建立
func (s *Server) handleSignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		fail(c, http.StatusBadRequest, "token required")
		return
	}

	s.Sessions.SetToken(req.Token)
	if req.Language != "" {
		s.Sessions.SetLanguage(req.Language)
	}
	ok(c, s.status())
}

func (s *Server) handleSignOut(c *gin.Context) {
	s.Sessions.Clear()
	ok(c, s.status())
}

func (s *Server) handleListReviews(c *gin.Context) {
	page, limit := pagination(c)
	result, err := reviews.List(c.Request.Context(), s.Cache, s.Client, model.ID(c.Param("id")), page, limit)
	if err != nil {
		s.upstreamError(c, "list reviews", err)
		return
	}
	ok(c, result)
}

type createReviewRequest struct {
	DishID  model.ID `json:"dishId"`
	Rating  int      `json:"rating"`
	Comment string   `json:"comment"`
}

func (s *Server) handleCreateReview(c *gin.Context) {
	var req createReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	review, err := mutation.Run(c.Request.Context(), s.Runner, s.Mutations.CreateReview, model.CreateReviewRequest{
		RestaurantID: model.ID(c.Param("id")),
		DishID:       req.DishID,
		Rating:       req.Rating,
		Comment:      req.Comment,
	})
	if err != nil {
		s.upstreamError(c, "create review", err)
		return
	}
	c.JSON(http.StatusCreated, model.Envelope[model.Review]{Success: true, Data: review})
}

func (s *Server) handleDeleteReview(c *gin.Context) {
	_, err := mutation.Run(c.Request.Context(), s.Runner, s.Mutations.DeleteReview, mutation.DeleteReviewInput{
		ReviewID:     model.ID(c.Param("reviewId")),
		RestaurantID: model.ID(c.Param("id")),
	})
	if err != nil {
		s.upstreamError(c, "delete review", err)
		return
	}
	ok(c, nil)
}

type notificationsResponse struct {
	Items  []model.Notification `json:"items"`
	Page   int                  `json:"page"`
	Limit  int                  `json:"limit"`
	Total  int                  `json:"total"`
	Unread int                  `json:"unread"`
}

func (s *Server) handleListNotifications(c *gin.Context) {
	page, limit := pagination(c)
	result, err := s.Feed.List(c.Request.Context(), page, limit)
	if err != nil {
		s.upstreamError(c, "list notifications", err)
		return
	}
	ok(c, notificationsResponse{
		Items:  result.Items,
		Page:   result.Page,
		Limit:  result.Limit,
		Total:  result.Total,
		Unread: s.Feed.Unread(),
	})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.Feed.MarkRead(c.Request.Context(), model.ID(c.Param("id"))); err != nil {
		s.upstreamError(c, "mark notification read", err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	if err := s.Feed.MarkAllRead(c.Request.Context()); err != nil {
		s.upstreamError(c, "mark all notifications read", err)
		return
	}
	ok(c, nil)
}

// upstreamError 把后端错误转换为 { success:false, message }，业务错误保留服务端信息
func (s *Server) upstreamError(c *gin.Context, op string, err error) {
	var apiErr *restapi.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		fail(c, status, mutation.UserMessage(err))
		return
	}
	if errors.Is(err, mutation.ErrUnknownEntity) {
		s.logger.Error(op+" failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}
	// 这里记录详细错误到服务端日志，返回给前端的错误保持简洁
	s.logger.Warn(op+" failed", zap.Error(err))
	fail(c, http.StatusBadGateway, mutation.UserMessage(err))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, model.Envelope[any]{Success: true, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, model.Envelope[any]{Success: false, Message: message})
}

func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || s.Config == nil {
		return false
	}
	return slices.Contains(s.Config.Server.AllowedOrigins, origin)
}

// checkOrigin 无 Origin 头（非浏览器客户端）放行，其余按白名单
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
