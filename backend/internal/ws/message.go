package ws

import (
	"time"

	"roomAgent/backend/internal/model"
)

// ClientMessage 标签页发往 agent 的入站帧（按 type 路由）
type ClientMessage struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"roomId,omitempty"`
	SheetID   string  `json:"sheetId,omitempty"`
	Text      string  `json:"text,omitempty"`
	MessageID uint64  `json:"messageId,omitempty"`
	Emoji     string  `json:"emoji,omitempty"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Color     string  `json:"color,omitempty"`
	Width     float64 `json:"width,omitempty"`
	Brush     string  `json:"brush,omitempty"`
	Visible   *bool   `json:"visible,omitempty"`
}

// ServerMessage 通用出站帧（反馈/错误/在线状态）
type ServerMessage struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId,omitempty"`
	Content string   `json:"content,omitempty"`
	Typing  []uint64 `json:"typing,omitempty"`
	UserID  uint64   `json:"userId,omitempty"`
	State   string   `json:"state,omitempty"`
	Conns   int      `json:"conns,omitempty"`
}

// SnapshotMessage 合并视图快照推送（加入房间、翻页、实时合并后都会推）
type SnapshotMessage struct {
	Type     string          `json:"type"` // 固定 "room_snapshot"
	RoomID   string          `json:"roomId"`
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

// MessageConfirmedMessage 单条消息确认回执（乐观条目转正）
type MessageConfirmedMessage struct {
	Type            string    `json:"type"` // 固定 "message_confirmed"
	RoomID          string    `json:"roomId"`
	MessageID       uint64    `json:"messageId"`
	ClientMessageID string    `json:"clientMessageId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// StrokeCommittedMessage 本端笔画提交成功的回执
type StrokeCommittedMessage struct {
	Type     string `json:"type"` // 固定 "stroke_committed"
	SheetID  string `json:"sheetId"`
	StrokeID string `json:"strokeId"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string           { return m.Type }
func (m SnapshotMessage) MessageType() string         { return m.Type }
func (m MessageConfirmedMessage) MessageType() string { return m.Type }
func (m StrokeCommittedMessage) MessageType() string  { return m.Type }
