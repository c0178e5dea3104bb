package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, url string, reconnect config.ReconnectConfig) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Second,
		Reconnect:        reconnect,
	}, nil, nil, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})
	ctx := context.Background()

	assert.False(t, m.IsConnected())

	require.NoError(t, m.Connect(ctx, "tok-1"))
	require.NoError(t, m.Connect(ctx, "tok-1"))
	require.NoError(t, m.Connect(ctx, "tok-2"))

	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.Equal(t, "tok-1", srv.lastToken())
}

func TestManagerConcurrentConnectSingleConnection(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Connect(context.Background(), "tok")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestManagerConnectRequiresToken(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws", config.ReconnectConfig{})
	assert.ErrorIs(t, m.Connect(context.Background(), ""), ErrNoToken)
	assert.False(t, m.IsConnected())
}

func TestManagerConnectFailureLeavesDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws", config.ReconnectConfig{})
	assert.Error(t, m.Connect(context.Background(), "tok"))
	assert.False(t, m.IsConnected())
}

func TestManagerConnectDisconnectSequence(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})
	ctx := context.Background()

	// 未连接时断开是安全的
	require.NoError(t, m.Disconnect())
	assert.False(t, m.IsConnected())

	steps := []struct {
		connect bool
		want    bool
	}{
		{true, true}, {true, true}, {false, false}, {false, false}, {true, true}, {false, false},
	}
	for i, step := range steps {
		if step.connect {
			require.NoError(t, m.Connect(ctx, "tok"), "step %d", i)
		} else {
			_ = m.Disconnect()
		}
		assert.Equal(t, step.want, m.IsConnected(), "step %d", i)
	}
	assert.Equal(t, int32(2), srv.accepted.Load())
}

func TestManagerDispatchesNotificationsToEverySubscriber(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})
	require.NoError(t, m.Connect(context.Background(), "tok"))

	var a, b atomic.Int32
	m.OnNotification(func(model.Notification) { a.Add(1) })
	unsubB := m.OnNotification(func(model.Notification) { b.Add(1) })

	frame, err := EncodeMessage(KindNotification, model.Notification{ID: "N1"})
	require.NoError(t, err)
	srv.send(t, frame)
	waitFor(t, time.Second, func() bool { return a.Load() == 1 && b.Load() == 1 })

	unsubB()
	unsubB()
	srv.send(t, frame)
	waitFor(t, time.Second, func() bool { return a.Load() == 2 })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), b.Load())
}

func TestManagerDropsInvalidMessagesAndKeepsReading(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})
	require.NoError(t, m.Connect(context.Background(), "tok"))

	got := make(chan model.ReviewEvent, 1)
	m.OnReview(func(evt model.ReviewEvent) { got <- evt })

	srv.send(t, []byte(`{"reviewId":"REV1"}`))
	frame, err := EncodeMessage(KindReview, model.ReviewEvent{ReviewID: "REV9"})
	require.NoError(t, err)
	srv.send(t, frame)

	select {
	case evt := <-got:
		assert.Equal(t, model.ID("REV9"), evt.ReviewID)
	case <-time.After(time.Second):
		t.Fatal("review event not dispatched")
	}
	assert.True(t, m.IsConnected())
}

func TestManagerServerDropWithoutReconnect(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{})
	require.NoError(t, m.Connect(context.Background(), "tok"))

	srv.dropAll()
	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected() })

	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), srv.accepted.Load())

	// 订阅在断线后仍可安全取消
	unsub := m.OnNotification(func(model.Notification) {})
	assert.NotPanics(t, func() { unsub(); unsub() })
}

func TestManagerOptInReconnect(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{
		Enabled:         true,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsedTime:  2 * time.Second,
	})
	require.NoError(t, m.Connect(context.Background(), "tok-r"))

	srv.dropAll()
	waitFor(t, 3*time.Second, func() bool { return srv.accepted.Load() == 2 && m.IsConnected() })
	assert.Equal(t, "tok-r", srv.lastToken())
}

func TestManagerDisconnectStopsReconnect(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{
		Enabled:         true,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxElapsedTime:  2 * time.Second,
	})
	require.NoError(t, m.Connect(context.Background(), "tok"))

	srv.dropAll()
	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected() })
	require.NoError(t, m.Disconnect())

	time.Sleep(400 * time.Millisecond)
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), srv.accepted.Load())
}

// 断线后、重连协程登记之前发生的 Disconnect 也必须阻止重拨
func TestManagerReconnectAfterSignOutDoesNotRedial(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{
		Enabled:         true,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	require.NoError(t, m.Disconnect())

	m.startReconnect("tok")

	time.Sleep(200 * time.Millisecond)
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestManagerReconnectAbortsAfterTokenSwitch(t *testing.T) {
	srv := newMockRealtimeServer(t)
	m := newTestManager(t, srv.URL(), config.ReconnectConfig{
		Enabled:         true,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	})
	require.NoError(t, m.Connect(context.Background(), "tok-old"))
	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Connect(context.Background(), "tok-new"))

	m.startReconnect("tok-old")

	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(2), srv.accepted.Load())
	assert.Equal(t, "tok-new", srv.lastToken())
}
