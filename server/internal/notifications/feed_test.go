package notifications

import (
	"context"
	"testing"
	"time"

	"culinary-atlas/server/internal/atlastest"
	"culinary-atlas/server/internal/config"
	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/mutation"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/realtime"
	"culinary-atlas/server/internal/restapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	registry *realtime.Registry
}

func (s *fakeSource) OnNotification(cb func(model.Notification)) realtime.Unsubscribe {
	return s.registry.Subscribe(realtime.KindNotification, func(msg realtime.Message) {
		cb(*msg.Notification)
	})
}

func (s *fakeSource) emit(n model.Notification) {
	s.registry.Dispatch(realtime.Message{Kind: realtime.KindNotification, Notification: &n})
}

func newTestFeed(t *testing.T) (*Feed, *fakeSource, *atlastest.Backend) {
	t.Helper()
	backend := atlastest.NewBackend()
	t.Cleanup(backend.Close)

	client := restapi.NewClient(config.APIConfig{BaseURL: backend.APIURL(), Timeout: 2 * time.Second}, nil, nil)
	cache := querycache.New(nil, querycache.Options{})
	runner := mutation.NewRunner(cache, nil, nil, nil, nil)
	src := &fakeSource{registry: realtime.NewRegistry(nil, nil)}

	feed := NewFeed(src, client, cache, runner, mutation.NewSet(client), nil)
	feed.Start()
	t.Cleanup(feed.Close)
	return feed, src, backend
}

func TestFeedLiveNotificationInvalidatesList(t *testing.T) {
	feed, src, backend := newTestFeed(t)
	ctx := context.Background()
	backend.PutNotification(model.Notification{ID: "N1", CreatedAt: time.Now()})

	page, err := feed.List(ctx, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	_, err = feed.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls("GET /notifications"))

	backend.PutNotification(model.Notification{ID: "N2", CreatedAt: time.Now()})
	src.emit(model.Notification{ID: "N2"})

	page, err = feed.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, backend.Calls("GET /notifications"))

	recent := feed.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, model.ID("N2"), recent[0].ID)
	assert.Equal(t, 2, feed.Unread())
}

func TestFeedDuplicateLiveNotificationKeptOnce(t *testing.T) {
	feed, src, _ := newTestFeed(t)
	src.emit(model.Notification{ID: "N1"})
	src.emit(model.Notification{ID: "N1"})
	assert.Len(t, feed.Recent(), 1)
	assert.Equal(t, 1, feed.Unread())
}

func TestFeedMarkRead(t *testing.T) {
	feed, _, backend := newTestFeed(t)
	ctx := context.Background()
	backend.PutNotification(model.Notification{ID: "N1"})
	backend.PutNotification(model.Notification{ID: "N2"})

	_, err := feed.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, feed.Unread())

	require.NoError(t, feed.MarkRead(ctx, "N1"))
	assert.Equal(t, 1, feed.Unread())

	page, err := feed.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.Calls("GET /notifications"))
	for _, n := range page.Items {
		assert.Equal(t, n.ID == "N1", n.IsRead, n.ID.String())
	}

	require.NoError(t, feed.MarkAllRead(ctx))
	assert.Equal(t, 0, feed.Unread())
}

func TestFeedMarkReadFailureKeepsState(t *testing.T) {
	feed, _, backend := newTestFeed(t)
	ctx := context.Background()
	backend.PutNotification(model.Notification{ID: "N1"})
	_, err := feed.List(ctx, 1, 20)
	require.NoError(t, err)

	assert.Error(t, feed.MarkRead(ctx, "missing"))
	assert.Equal(t, 1, feed.Unread())
	_, err = feed.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls("GET /notifications"))
}
