package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Reaction 单条表情回应（同一用户对同一消息同一表情只记一次）
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID uint64 `json:"userId"`
}

// ReactionList 以 JSON 列的形式存进 MySQL
type ReactionList []Reaction

func (l ReactionList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *ReactionList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("unsupported reactions column type")
	}
}

// FloatList 笔画采样点的扁平数组 [x0,y0,x1,y1,...]，同样存 JSON 列
type FloatList []float64

func (l FloatList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *FloatList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("unsupported points column type")
	}
}

// Message 房间消息。
// - ID 由远端存储分配，出现之后即权威
// - ClientMessageID 客户端生成的幂等键，用来把乐观条目和确认条目对上号，
//   合并视图里同一个 ClientMessageID 永远只有一条可见
// - Pending 仅存在于本地（乐观条目），不落库
type Message struct {
	ID              uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID          string       `gorm:"size:64;not null;index:idx_room_created,priority:1;uniqueIndex:ux_room_client_msg,priority:1" json:"roomId"`
	ClientMessageID string       `gorm:"size:64;not null;uniqueIndex:ux_room_client_msg,priority:2" json:"clientMessageId"`
	SenderID        uint64       `gorm:"not null" json:"senderId"`
	Text            string       `gorm:"type:text" json:"text"`
	AttachmentRef   string       `gorm:"size:255" json:"attachmentRef,omitempty"`
	CreatedAt       time.Time    `gorm:"index:idx_room_created,priority:2" json:"createdAt"`
	Delivered       bool         `gorm:"default:false" json:"delivered"`
	Seen            bool         `gorm:"default:false" json:"seen"`
	Reactions       ReactionList `gorm:"type:json" json:"reactions"`
	Pending         bool         `gorm:"-" json:"pending,omitempty"`
}

func (Message) TableName() string { return "room_messages" }

// MergeKey 合并视图里的身份键：有幂等键用幂等键，否则退回存储 ID。
// Pending 与 Confirmed 共享同一个键，Confirmed 永远覆盖 Pending。
func (m Message) MergeKey() string {
	if m.ClientMessageID != "" {
		return "c:" + m.ClientMessageID
	}
	return "i:" + itoa(m.ID)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// DraftMessage 发送前的用户输入。
// ClientMessageID 可以由调用方预生成（离线队列重投时必须复用同一个键），
// 不填则发送时现生成。
type DraftMessage struct {
	RoomID          string `json:"roomId"`
	SenderID        uint64 `json:"senderId"`
	Text            string `json:"text"`
	AttachmentRef   string `json:"attachmentRef,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// OutboundOperation 离线投递队列里的一条待确认出站操作。
// ID 就是 clientMessageId（幂等键），重复入队按键覆盖而不是追加。
type OutboundOperation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"` // 目前只有 "chat_message"
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// ConnectionRecord 一条物理连接（一个标签页/一台设备）对应一条记录
type ConnectionRecord struct {
	ConnectionID string    `json:"connectionId"`
	UserID       uint64    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// AggregatedPresence 按用户聚合的在线状态，由存活连接数推导：
// ActiveConnections > 0 时必为 online。两个标签页关掉一个不会把人标下线。
type AggregatedPresence struct {
	UserID            uint64        `json:"userId"`
	State             PresenceState `json:"state"`
	ActiveConnections int           `json:"activeConnections"`
	LastChanged       time.Time     `json:"lastChanged"`
}

// Stroke 一次完整指针手势产出的不可变笔画
type Stroke struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	SheetID   string    `gorm:"size:64;not null;index:idx_sheet_created,priority:1" json:"sheetId"`
	AuthorID  uint64    `gorm:"not null" json:"authorId"`
	Points    FloatList `gorm:"type:json;not null" json:"points"`
	Color     string    `gorm:"size:16" json:"color"`
	Width     float64   `json:"width"`
	BrushKind string    `gorm:"size:16" json:"brushKind"`
	CreatedAt time.Time `gorm:"index:idx_sheet_created,priority:2" json:"createdAt"`
}

func (Stroke) TableName() string { return "sheet_strokes" }
