package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"roomAgent/backend/internal/cache"
	"roomAgent/backend/internal/canvas"
	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/outbox"
	"roomAgent/backend/internal/presence"
	"roomAgent/backend/internal/realtime"
	"roomAgent/backend/internal/roomsync"
	"roomAgent/backend/internal/store"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager 把各层捏在一起喂给每条连接：
// 引擎注册表、离线队列、presence 缓存、实时通道、画板存储。
type Manager struct {
	hub      *Hub
	registry *roomsync.Registry
	queue    *outbox.Queue
	conns    cache.ConnectionCache
	typing   cache.TypingCache
	channel  realtime.Channel
	strokes  store.StrokeStore

	canvasOpts   canvas.SyncOptions
	presenceOpts presence.Options
}

func NewManager(hub *Hub, registry *roomsync.Registry, queue *outbox.Queue, conns cache.ConnectionCache,
	typing cache.TypingCache, channel realtime.Channel, strokes store.StrokeStore,
	canvasOpts canvas.SyncOptions, presenceOpts presence.Options) *Manager {
	return &Manager{
		hub:          hub,
		registry:     registry,
		queue:        queue,
		conns:        conns,
		typing:       typing,
		channel:      channel,
		strokes:      strokes,
		canvasOpts:   canvasOpts,
		presenceOpts: presenceOpts,
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

// NotifyConfirmed 消息确认后的回执广播（composition root 挂在引擎钩子上）
func (m *Manager) NotifyConfirmed(msg model.Message) {
	m.hub.Broadcast(msg.RoomID, nil, MessageConfirmedMessage{
		Type:            "message_confirmed",
		RoomID:          msg.RoomID,
		MessageID:       msg.ID,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt,
	})
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	tracker := presence.NewTracker(m.conns, userID, m.presenceOpts)
	if err := tracker.GoOnline(c.Request.Context()); err != nil {
		log.Printf("presence online error (user=%d): %v", userID, err)
		// presence 是参考信息，上不了线也让连接继续
	}

	wsConn := NewConn(conn, m.hub, m, userID, username, tracker)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.send <- ServerMessage{Type: "welcome", Content: "connected as " + username}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
