package reviews

import (
	"context"
	"strconv"

	"culinary-atlas/server/internal/model"
	"culinary-atlas/server/internal/querycache"
)

// Lister 分页拉取餐厅评论（restapi.Client）
type Lister interface {
	ListReviews(ctx context.Context, restaurantID model.ID, page, limit int) (model.Page[model.Review], error)
}

// ListKey 餐厅评论列表的查询键，以 ["reviews", restaurantID] 为前缀
func ListKey(restaurantID model.ID, page, limit int) querycache.Key {
	return querycache.NewKey("reviews", restaurantID.String(), strconv.Itoa(page), strconv.Itoa(limit))
}

// List 通过查询缓存读取餐厅评论
func List(ctx context.Context, cache *querycache.Cache, lister Lister, restaurantID model.ID, page, limit int) (model.Page[model.Review], error) {
	return querycache.Fetch(ctx, cache, ListKey(restaurantID, page, limit), func(ctx context.Context) (model.Page[model.Review], error) {
		return lister.ListReviews(ctx, restaurantID, page, limit)
	})
}
