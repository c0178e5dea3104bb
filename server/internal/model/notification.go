package model

import (
	"encoding/json"
	"time"
)

// Notification 表示服务端推送或分页拉取的账户通知。
type Notification struct {
	ID        ID              `json:"id"`
	IsRead    bool            `json:"isRead"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
