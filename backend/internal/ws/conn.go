package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomAgent/backend/internal/canvas"
	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/outbox"
	"roomAgent/backend/internal/presence"
	"roomAgent/backend/internal/roomsync"
)

// Conn 一条 websocket 连接对应一个标签页。
// 标签页的全部会话状态都挂在这里：所在房间、快照订阅、
// 每块画板一个 canvas.Sync、本标签页的 presence 记录。
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	mgr      *Manager
	userID   uint64
	username string
	tabID    string

	roomID      string
	snapshotOff func()

	tracker  *presence.Tracker
	canvases map[string]*canvas.Sync

	// sendMu 保护 send 的关闭：快照订阅的回调可能在注销后仍有一次在途
	sendMu     sync.Mutex
	sendClosed bool
	send       chan OutboundMessage
}

func NewConn(ws *websocket.Conn, hub *Hub, mgr *Manager, userID uint64, username string, tracker *presence.Tracker) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		mgr:      mgr,
		userID:   userID,
		username: username,
		tabID:    uuid.NewString(),
		tracker:  tracker,
		canvases: make(map[string]*canvas.Sync),
		send:     make(chan OutboundMessage, 32),
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢，慢消费端不拖垮别人
	}
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.teardown(context.Background())
		c.closeSend()
	}()
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, room=%s): %v", c.userID, c.roomID, err)
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			c.send <- ServerMessage{Type: "feedback", Content: "Heartbeat received"}

		case "join_room":
			c.handleJoinRoom(ctx, clientMessage.RoomID)

		case "leave_room":
			c.leaveRoom()
			c.send <- ServerMessage{Type: "leave_room", RoomID: clientMessage.RoomID, Content: "left"}

		case "load_more":
			if c.roomID == "" {
				c.send <- ServerMessage{Type: "error", Content: "ROOM_NOT_JOINED"}
				continue
			}
			engine := c.mgr.registry.Get(c.roomID)
			n, err := engine.LoadMore(ctx)
			if err != nil {
				log.Printf("load more error (room=%s): %v", c.roomID, err)
				c.send <- ServerMessage{Type: "error", Content: "LOAD_MORE_FAILED"}
				continue
			}
			// 快照经由订阅推送，这里只回执条数
			c.send <- ServerMessage{Type: "load_more", RoomID: c.roomID, Conns: n}

		case "send_message":
			c.handleSendMessage(ctx, clientMessage)

		case "add_reaction":
			if c.roomID == "" {
				c.send <- ServerMessage{Type: "error", Content: "ROOM_NOT_JOINED"}
				continue
			}
			engine := c.mgr.registry.Get(c.roomID)
			if err := engine.AddReaction(ctx, clientMessage.MessageID, clientMessage.Emoji); err != nil {
				log.Printf("add reaction error: %v", err)
				c.send <- ServerMessage{Type: "error", Content: "REACTION_FAILED"}
			}

		case "typing":
			if c.roomID == "" {
				continue
			}
			if err := c.mgr.typing.SetTyping(ctx, c.roomID, c.userID, 5*time.Second); err != nil {
				log.Printf("set typing error: %v", err)
			}
			c.hub.Broadcast(c.roomID, c, ServerMessage{Type: "typing", RoomID: c.roomID, UserID: c.userID})

		case "show_typing":
			if c.roomID == "" {
				continue
			}
			users, err := c.mgr.typing.TypingUsers(ctx, c.roomID)
			if err != nil {
				log.Printf("get typing users error: %v", err)
				continue
			}
			c.send <- ServerMessage{Type: "show_typing", RoomID: c.roomID, Typing: users}

		case "visibility":
			visible := clientMessage.Visible == nil || *clientMessage.Visible
			c.tracker.SetVisible(ctx, visible)
			if c.roomID != "" {
				c.mgr.registry.Get(c.roomID).SetForeground(visible)
			}

		case "presence":
			agg := c.tracker.Recompute(ctx)
			c.send <- ServerMessage{Type: "presence", UserID: agg.UserID, State: string(agg.State), Conns: agg.ActiveConnections}

		case "set_brush":
			if cs := c.canvasFor(ctx, clientMessage.SheetID); cs != nil {
				cs.SetBrush(clientMessage.Color, clientMessage.Width, clientMessage.Brush)
			}

		case "draw_start":
			if cs := c.canvasFor(ctx, clientMessage.SheetID); cs != nil {
				cs.StartDrawing(clientMessage.X, clientMessage.Y)
			}

		case "draw_move":
			if cs := c.canvasFor(ctx, clientMessage.SheetID); cs != nil {
				cs.ProcessDrawEvent(ctx, clientMessage.X, clientMessage.Y)
			}

		case "draw_end":
			cs := c.canvasFor(ctx, clientMessage.SheetID)
			if cs == nil {
				continue
			}
			if id := cs.StopDrawing(ctx); id != "" {
				c.send <- StrokeCommittedMessage{Type: "stroke_committed", SheetID: clientMessage.SheetID, StrokeID: id}
			}

		default:
			// 忽略未知类型，或回一条提示
			c.send <- ServerMessage{Type: "ignored", Content: "Unknown message type"}
		}
	}
}

func (c *Conn) handleJoinRoom(ctx context.Context, roomID string) {
	if roomID == "" {
		c.send <- ServerMessage{Type: "error", Content: "MISSING_ROOM_ID"}
		return
	}
	if c.roomID != "" && c.roomID != roomID {
		// 先离开旧房间
		c.leaveRoom()
	}
	c.roomID = roomID
	c.hub.Join(roomID, c)

	engine := c.mgr.registry.Get(roomID)
	if err := engine.LoadInitial(ctx); err != nil {
		log.Printf("load initial error (room=%s): %v", roomID, err)
		c.hub.Leave(roomID, c)
		c.roomID = ""
		c.send <- ServerMessage{Type: "error", Content: "JOIN_ROOM_FAILED"}
		return
	}

	c.snapshotOff = engine.Subscribe(func(s roomsync.Snapshot) {
		c.SendMessage_Enqueue(SnapshotMessage{Type: "room_snapshot", RoomID: roomID, Messages: s.Messages, HasMore: s.HasMore})
	})
	c.send <- SnapshotMessage{Type: "room_snapshot", RoomID: roomID, Messages: engine.Messages(), HasMore: engine.HasMore()}
}

// handleSendMessage 发送走离线队列：在线直发，掉线落盘等恢复后重投。
// clientMessageId 在这里生成并同时作为队列键，重投不会变成第二条消息。
func (c *Conn) handleSendMessage(ctx context.Context, msg ClientMessage) {
	if c.roomID == "" {
		c.send <- ServerMessage{Type: "error", Content: "ROOM_NOT_JOINED"}
		return
	}
	draft := model.DraftMessage{
		RoomID:          c.roomID,
		SenderID:        c.userID,
		Text:            msg.Text,
		ClientMessageID: uuid.NewString(),
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		c.send <- ServerMessage{Type: "error", Content: "BAD_MESSAGE"}
		return
	}
	op := model.OutboundOperation{
		ID:      draft.ClientMessageID,
		Kind:    outbox.KindChatMessage,
		Payload: payload,
	}
	enqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.mgr.queue.Enqueue(enqCtx, op); err != nil {
		log.Printf("enqueue message error (room=%s): %v", c.roomID, err)
		c.send <- ServerMessage{Type: "error", Content: "SEND_FAILED"}
	}
}

func (c *Conn) canvasFor(ctx context.Context, sheetID string) *canvas.Sync {
	if sheetID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_SHEET_ID"})
		return nil
	}
	if cs, ok := c.canvases[sheetID]; ok {
		return cs
	}
	cs := canvas.NewSync(sheetID, c.tabID, c.userID, c.mgr.strokes, c.mgr.channel, c.mgr.canvasOpts)
	if err := cs.Start(ctx); err != nil {
		log.Printf("canvas start error (sheet=%s): %v", sheetID, err)
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "CANVAS_FAILED"})
		return nil
	}
	c.canvases[sheetID] = cs
	return cs
}

func (c *Conn) leaveRoom() {
	if c.snapshotOff != nil {
		c.snapshotOff()
		c.snapshotOff = nil
	}
	if c.roomID != "" {
		c.hub.Leave(c.roomID, c)
		c.roomID = ""
	}
}

// teardown 连接收尾：退房、关画板、presence 体面下线
func (c *Conn) teardown(ctx context.Context) {
	c.leaveRoom()
	for _, cs := range c.canvases {
		cs.Close(ctx)
	}
	if err := c.tracker.GoOffline(ctx); err != nil {
		log.Printf("presence offline error (user=%d): %v", c.userID, err)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
