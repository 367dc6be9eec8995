package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// 事件类型
const (
	KindMessageNew = "message_new"
	KindStroke     = "stroke"
	KindTyping     = "typing"
	KindPresence   = "presence"
)

// Event 低延迟通道上的短命事件。
// 不保证送达、不持久化；每个消费端必须自己按身份键去重（至少一次语义）。
type Event struct {
	Kind    string          `json:"kind"`
	RoomID  string          `json:"roomId,omitempty"`
	TabID   string          `json:"tabId,omitempty"` // 发送方标签页标识，用于回声抑制
	Key     string          `json:"key,omitempty"`   // 去重身份键（如 clientMessageId / strokeId）
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Channel 实时通道的窄契约：发布/订阅短命事件。
// 取消订阅用返回的 cancel 函数，通道随之关闭。
type Channel interface {
	Publish(ctx context.Context, topic string, evt Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
}

// 主题约定
func MessagesTopic(roomID string) string { return "room:" + roomID + ":messages" }
func StrokesTopic(sheetID string) string { return "sheet:" + sheetID + ":strokes" }
func TabsTopic(origin string) string     { return "tabs:" + origin }
