package tabsync

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomAgent/backend/internal/realtime"
)

// Handler 收到一条跨标签页广播时回调。payload 原样透传，kind 路由。
type Handler func(kind string, payload json.RawMessage)

// Coordinator 同源多标签页的状态广播协调器。
// 每个标签页有自己的 uuid；广播走实时通道的 tabs 主题，
// 自己发的回声按 TabID 压掉，重复投递按 Key 的有界滑动窗去重。
// 通道不保证送达，协调器只做尽力而为的趋同，不做权威状态。
type Coordinator struct {
	tabID  string
	origin string

	channel realtime.Channel

	mu       sync.Mutex
	handlers map[string][]Handler
	seen     map[string]struct{}
	seenList []string // 插入顺序，窗口满了踢最老的
	seenCap  int

	unsubscribe func()
	closed      bool
}

func NewCoordinator(origin string, channel realtime.Channel) *Coordinator {
	return &Coordinator{
		tabID:    uuid.NewString(),
		origin:   origin,
		channel:  channel,
		handlers: make(map[string][]Handler),
		seen:     make(map[string]struct{}),
		seenCap:  512,
	}
}

// TabID 本标签页的标识（回声抑制用，也给外层打日志）
func (c *Coordinator) TabID() string { return c.tabID }

// On 注册某一事件类型的处理器，同类型可挂多个
func (c *Coordinator) On(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Start 订阅本源的 tabs 主题并开始分发
func (c *Coordinator) Start(ctx context.Context) error {
	ch, cancel, err := c.channel.Subscribe(ctx, realtime.TabsTopic(c.origin))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()
	go c.dispatchLoop(ch)
	return nil
}

func (c *Coordinator) dispatchLoop(ch <-chan realtime.Event) {
	for evt := range ch {
		if evt.TabID == c.tabID {
			continue // 自己广播的回声
		}
		c.mu.Lock()
		if evt.Key != "" {
			if _, dup := c.seen[evt.Key]; dup {
				c.mu.Unlock()
				continue
			}
			c.rememberLocked(evt.Key)
		}
		hs := append([]Handler(nil), c.handlers[evt.Kind]...)
		c.mu.Unlock()

		for _, h := range hs {
			h(evt.Kind, evt.Payload)
		}
	}
}

// Broadcast 向同源的其他标签页广播一条事件。
// key 为空时自动生成（每次广播都算新的）；自己不会收到。
func (c *Coordinator) Broadcast(ctx context.Context, kind, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if key == "" {
		key = uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil // 关闭后的广播静默丢弃
	}
	c.rememberLocked(key) // 自己发过的键也不再收
	c.mu.Unlock()

	evt := realtime.Event{
		Kind:    kind,
		TabID:   c.tabID,
		Key:     key,
		Payload: body,
		SentAt:  time.Now(),
	}
	if err := c.channel.Publish(ctx, realtime.TabsTopic(c.origin), evt); err != nil {
		log.Printf("tabsync: broadcast %s failed: %v", kind, err)
		return err
	}
	return nil
}

func (c *Coordinator) rememberLocked(key string) {
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	c.seenList = append(c.seenList, key)
	for len(c.seenList) > c.seenCap {
		delete(c.seen, c.seenList[0])
		c.seenList = c.seenList[1:]
	}
}

// Close 退订，之后的广播静默丢弃
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
