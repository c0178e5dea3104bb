package restapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"culinary-atlas/server/internal/model"
)

// GetReview 拉取单条评论详情
func (c *Client) GetReview(ctx context.Context, reviewID model.ID) (model.Review, error) {
	var review model.Review
	path := "/reviews/" + url.PathEscape(reviewID.String())
	if err := c.do(ctx, http.MethodGet, path, nil, &review); err != nil {
		return model.Review{}, fmt.Errorf("get review %s: %w", reviewID, err)
	}
	return review, nil
}

// ListReviews 分页拉取某餐厅的评论
func (c *Client) ListReviews(ctx context.Context, restaurantID model.ID, page, limit int) (model.Page[model.Review], error) {
	var out model.Page[model.Review]
	path := "/restaurants/" + url.PathEscape(restaurantID.String()) + "/reviews" + pageQuery(page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.Page[model.Review]{}, fmt.Errorf("list reviews of %s: %w", restaurantID, err)
	}
	return out, nil
}

// CreateReview 发表评论
func (c *Client) CreateReview(ctx context.Context, req model.CreateReviewRequest) (model.Review, error) {
	var review model.Review
	if err := c.do(ctx, http.MethodPost, "/reviews", req, &review); err != nil {
		return model.Review{}, fmt.Errorf("create review: %w", err)
	}
	return review, nil
}

// DeleteReview 删除评论
func (c *Client) DeleteReview(ctx context.Context, reviewID model.ID) error {
	path := "/reviews/" + url.PathEscape(reviewID.String())
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete review %s: %w", reviewID, err)
	}
	return nil
}
