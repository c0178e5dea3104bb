package model

import "time"

// Review 是 REST 接口返回的完整评论记录（权威数据）。
type Review struct {
	ID           ID        `json:"id"`
	RestaurantID ID        `json:"restaurantId"`
	DishID       ID        `json:"dishId,omitempty"`
	UserID       ID        `json:"userId"`
	UserName     string    `json:"userName,omitempty"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReviewEvent 是实时通道推送的新评论指针。
// 只携带 ID，不可直接展示：必须先通过 REST 拉取完整的 Review。
type ReviewEvent struct {
	ReviewID     ID `json:"reviewId"`
	RestaurantID ID `json:"restaurantId,omitempty"`
}

// CreateReviewRequest 创建评论的请求体。
type CreateReviewRequest struct {
	RestaurantID ID     `json:"restaurantId"`
	DishID       ID     `json:"dishId,omitempty"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment"`
}
