package mutation

import (
	"context"

	"culinary-atlas/server/internal/model"
)

// Backend 变更需要的 REST 操作，*restapi.Client 实现了它
type Backend interface {
	CreateReview(ctx context.Context, req model.CreateReviewRequest) (model.Review, error)
	DeleteReview(ctx context.Context, reviewID model.ID) error
	MarkNotificationRead(ctx context.Context, id model.ID) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// DeleteReviewInput 删除评论；RestaurantID 用于定位受影响的评论列表
type DeleteReviewInput struct {
	ReviewID     model.ID
	RestaurantID model.ID
}

// Set 是应用里全部变更的静态声明
type Set struct {
	CreateReview         Mutation[model.CreateReviewRequest, model.Review]
	DeleteReview         Mutation[DeleteReviewInput, struct{}]
	MarkNotificationRead Mutation[model.ID, struct{}]
	MarkAllRead          Mutation[struct{}, struct{}]
}

// NewSet 基于 Backend 构造所有变更声明
func NewSet(api Backend) Set {
	return Set{
		CreateReview: Mutation[model.CreateReviewRequest, model.Review]{
			Name:   "create_review",
			Entity: EntityReview,
			Do:     api.CreateReview,
			Ref: func(in model.CreateReviewRequest, out model.Review) Ref {
				rid := out.RestaurantID
				if rid.IsZero() {
					rid = in.RestaurantID
				}
				return Ref{ID: out.ID.String(), RestaurantID: rid.String()}
			},
		},
		DeleteReview: Mutation[DeleteReviewInput, struct{}]{
			Name:   "delete_review",
			Entity: EntityReview,
			Do: func(ctx context.Context, in DeleteReviewInput) (struct{}, error) {
				return struct{}{}, api.DeleteReview(ctx, in.ReviewID)
			},
			Ref: func(in DeleteReviewInput, _ struct{}) Ref {
				return Ref{ID: in.ReviewID.String(), RestaurantID: in.RestaurantID.String()}
			},
		},
		MarkNotificationRead: Mutation[model.ID, struct{}]{
			Name:   "mark_notification_read",
			Entity: EntityNotification,
			Do: func(ctx context.Context, id model.ID) (struct{}, error) {
				return struct{}{}, api.MarkNotificationRead(ctx, id)
			},
			Ref: func(id model.ID, _ struct{}) Ref { return Ref{ID: id.String()} },
		},
		MarkAllRead: Mutation[struct{}, struct{}]{
			Name:   "mark_all_notifications_read",
			Entity: EntityNotification,
			Do: func(ctx context.Context, _ struct{}) (struct{}, error) {
				return struct{}{}, api.MarkAllNotificationsRead(ctx)
			},
		},
	}
}
