package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"culinary-atlas/server/internal/model"
)

// ListNotifications 分页拉取当前账户的通知
func (c *Client) ListNotifications(ctx context.Context, page, limit int) (model.Page[model.Notification], error) {
	var out model.Page[model.Notification]
	if err := c.do(ctx, http.MethodGet, "/notifications"+pageQuery(page, limit), nil, &out); err != nil {
		return model.Page[model.Notification]{}, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead 标记单条通知为已读
func (c *Client) MarkNotificationRead(ctx context.Context, id model.ID) error {
	path := "/notifications/" + url.PathEscape(id.String()) + "/read"
	if err := c.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllNotificationsRead 全部标记为已读
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}
