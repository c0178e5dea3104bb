// Package atlastest 提供测试用的 Culinary Atlas 后端桩（REST + 实时推送）。
package atlastest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Backend 是基于 gin 的内存版 Culinary Atlas 后端
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	reviews       map[model.ID]model.Review
	notifications []model.Notification
	calls         map[string]int
	failures      map[string]int // route -> 待注入的失败次数
	delays        map[string]time.Duration
	nextID        int

	sockMu sync.Mutex
	socks  []*websocket.Conn
}

// NewBackend 启动后端桩；调用方负责 Close
func NewBackend() *Backend {
	gin.SetMode(gin.TestMode)

	b := &Backend{
		reviews:  make(map[model.ID]model.Review),
		calls:    make(map[string]int),
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
	}

	engine := gin.New()
	api := engine.Group("/api")
	api.GET("/reviews/:id", b.track("GET /reviews/:id", b.getReview))
	api.POST("/reviews", b.track("POST /reviews", b.createReview))
	api.DELETE("/reviews/:id", b.track("DELETE /reviews/:id", b.deleteReview))
	api.GET("/restaurants/:id/reviews", b.track("GET /restaurants/:id/reviews", b.listReviews))
	api.GET("/notifications", b.track("GET /notifications", b.listNotifications))
	api.PATCH("/notifications/read-all", b.track("PATCH /notifications/read-all", b.markAllRead))
	api.PATCH("/notifications/:id/read", b.track("PATCH /notifications/:id/read", b.markRead))
	engine.GET("/ws", b.handleSocket)

	b.server = httptest.NewServer(engine)
	return b
}

// APIURL REST 基础地址
func (b *Backend) APIURL() string {
	return b.server.URL + "/api"
}

// WSURL 实时推送地址
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// Close 关闭后端
func (b *Backend) Close() {
	b.sockMu.Lock()
	for _, c := range b.socks {
		_ = c.Close()
	}
	b.socks = nil
	b.sockMu.Unlock()
	b.server.Close()
}

// Calls 返回某路由被调用的次数，例如 "GET /restaurants/:id/reviews"
func (b *Backend) Calls(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[route]
}

// FailNext 让路由接下来的 n 次调用返回 500
func (b *Backend) FailNext(route string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = n
}

// Delay 让路由每次响应前等待 d
func (b *Backend) Delay(route string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[route] = d
}

// PutReview 直接写入一条评论
func (b *Backend) PutReview(r model.Review) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	b.reviews[r.ID] = r
}

// PutNotification 直接写入一条通知
func (b *Backend) PutNotification(n model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

// Push 向所有实时连接推送一条消息
func (b *Backend) Push(kind realtime.Kind, payload any) error {
	frame, err := realtime.EncodeMessage(kind, payload)
	if err != nil {
		return err
	}
	b.sockMu.Lock()
	defer b.sockMu.Unlock()
	for _, c := range b.socks {
		if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// Sockets 返回当前实时连接数
func (b *Backend) Sockets() int {
	b.sockMu.Lock()
	defer b.sockMu.Unlock()
	return len(b.socks)
}

func (b *Backend) track(route string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		b.calls[route]++
		fail := b.failures[route] > 0
		if fail {
			b.failures[route]--
		}
		delay := b.delays[route]
		b.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if fail {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "injected failure"})
			return
		}
		h(c)
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func (b *Backend) getReview(c *gin.Context) {
	b.mu.Lock()
	r, found := b.reviews[model.ID(c.Param("id"))]
	b.mu.Unlock()
	if !found {
		fail(c, http.StatusNotFound, "review not found")
		return
	}
	ok(c, r)
}

func (b *Backend) listReviews(c *gin.Context) {
	restaurantID := model.ID(c.Param("id"))
	b.mu.Lock()
	items := make([]model.Review, 0)
	for _, r := range b.reviews {
		if r.RestaurantID.Equal(restaurantID) {
			items = append(items, r)
		}
	}
	b.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	ok(c, model.Page[model.Review]{Items: items, Page: 1, Limit: len(items), Total: len(items)})
}

func (b *Backend) createReview(c *gin.Context) {
	var req model.CreateReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		fail(c, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}

	b.mu.Lock()
	b.nextID++
	r := model.Review{
		ID:           model.ID(fmt.Sprintf("REV%d", 1000+b.nextID)),
		RestaurantID: req.RestaurantID,
		DishID:       req.DishID,
		UserID:       "U1",
		Rating:       req.Rating,
		Comment:      req.Comment,
		CreatedAt:    time.Now(),
	}
	b.reviews[r.ID] = r
	b.mu.Unlock()

	ok(c, r)
}

func (b *Backend) deleteReview(c *gin.Context) {
	id := model.ID(c.Param("id"))
	b.mu.Lock()
	_, found := b.reviews[id]
	delete(b.reviews, id)
	b.mu.Unlock()
	if !found {
		fail(c, http.StatusNotFound, "review not found")
		return
	}
	ok(c, nil)
}

func (b *Backend) listNotifications(c *gin.Context) {
	b.mu.Lock()
	items := append([]model.Notification(nil), b.notifications...)
	b.mu.Unlock()
	ok(c, model.Page[model.Notification]{Items: items, Page: 1, Limit: len(items), Total: len(items)})
}

func (b *Backend) markRead(c *gin.Context) {
	id := model.ID(c.Param("id"))
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.notifications {
		if b.notifications[i].ID.Equal(id) {
			b.notifications[i].IsRead = true
			ok(c, nil)
			return
		}
	}
	fail(c, http.StatusNotFound, "notification not found")
}

func (b *Backend) markAllRead(c *gin.Context) {
	b.mu.Lock()
	for i := range b.notifications {
		b.notifications[i].IsRead = true
	}
	b.mu.Unlock()
	ok(c, nil)
}

func (b *Backend) handleSocket(c *gin.Context) {
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	b.sockMu.Lock()
	b.socks = append(b.socks, conn)
	b.sockMu.Unlock()

	go func() {
		defer b.removeSocket(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Backend) removeSocket(conn *websocket.Conn) {
	b.sockMu.Lock()
	defer b.sockMu.Unlock()
	for i, c := range b.socks {
		if c == conn {
			b.socks = append(b.socks[:i], b.socks[i+1:]...)
			break
		}
	}
}
