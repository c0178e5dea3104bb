package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"culinary-atlas/server/internal/model"
)

// Kind 实时消息的逻辑类型
type Kind string

const (
	KindNotification Kind = "notification" // 账户通知
	KindReview       Kind = "review"       // 新评论指针
)

// ErrInvalidMessage 入站消息不符合 {kind, payload} 信封格式
var ErrInvalidMessage = errors.New("invalid realtime message")

// Message 是校验后的入站消息，按 Kind 只会填充一个载荷字段
type Message struct {
	Kind         Kind
	Notification *model.Notification
	Review       *model.ReviewEvent
}

// wireMessage 传输层信封
type wireMessage struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeMessage 解析并校验一帧文本消息
func DecodeMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return Message{}, fmt.Errorf("%w: missing payload for kind %q", ErrInvalidMessage, wire.Kind)
	}

	switch wire.Kind {
	case KindNotification:
		var n model.Notification
		if err := json.Unmarshal(wire.Payload, &n); err != nil {
			return Message{}, fmt.Errorf("%w: notification payload: %v", ErrInvalidMessage, err)
		}
		if n.ID.IsZero() {
			return Message{}, fmt.Errorf("%w: notification without id", ErrInvalidMessage)
		}
		return Message{Kind: KindNotification, Notification: &n}, nil

	case KindReview:
		var evt model.ReviewEvent
		if err := json.Unmarshal(wire.Payload, &evt); err != nil {
			return Message{}, fmt.Errorf("%w: review payload: %v", ErrInvalidMessage, err)
		}
		if evt.ReviewID.IsZero() {
			return Message{}, fmt.Errorf("%w: review event without reviewId", ErrInvalidMessage)
		}
		return Message{Kind: KindReview, Review: &evt}, nil

	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, wire.Kind)
	}
}

// EncodeMessage 构造一帧出站消息（供测试桩与本地回放使用）
func EncodeMessage(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireMessage{Kind: kind, Payload: raw})
}
