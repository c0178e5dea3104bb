package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockRealtimeServer 模拟 Culinary Atlas 的实时推送服务
type mockRealtimeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	accepted atomic.Int32

	connLock sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
}

func newMockRealtimeServer(t *testing.T) *mockRealtimeServer {
	t.Helper()
	mock := &mockRealtimeServer{}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleConnection))
	t.Cleanup(mock.Close)
	return mock
}

func (m *mockRealtimeServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockRealtimeServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.accepted.Add(1)

	m.connLock.Lock()
	m.conns = append(m.conns, conn)
	m.tokens = append(m.tokens, r.URL.Query().Get("token"))
	m.connLock.Unlock()

	// 丢弃客户端发来的数据，保证 close/ping 帧被处理
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// send 向最近一条连接推送一帧文本
func (m *mockRealtimeServer) send(t *testing.T, data []byte) {
	t.Helper()
	m.connLock.Lock()
	defer m.connLock.Unlock()
	if len(m.conns) == 0 {
		t.Fatalf("no client connected")
	}
	conn := m.conns[len(m.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// dropAll 模拟服务端异常断开
func (m *mockRealtimeServer) dropAll() {
	m.connLock.Lock()
	defer m.connLock.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

func (m *mockRealtimeServer) lastToken() string {
	m.connLock.Lock()
	defer m.connLock.Unlock()
	if len(m.tokens) == 0 {
		return ""
	}
	return m.tokens[len(m.tokens)-1]
}

func (m *mockRealtimeServer) Close() {
	m.dropAll()
	m.server.Close()
}

// waitFor 轮询直到条件满足或超时
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
