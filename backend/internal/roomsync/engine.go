package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/realtime"
	"roomAgent/backend/internal/store"
)

var (
	ErrNotLoaded    = errors.New("ROOM_NOT_LOADED")
	ErrEngineClosed = errors.New("ENGINE_CLOSED")
)

// Engine 单个房间的消息同步引擎。
// 职责：
// - 初始分页读（最新 N 条，倒序取、正序展示）+ 向更老方向翻页
// - 发送时先插乐观条目，远端确认后以 clientMessageId 对上号覆盖
//   （Pending | Confirmed 按幂等键合并，Confirmed 永远赢）
// - 实时事件先进待合并队列，攒一波再一次性合并重排，
//   突发 N 条只触发一次重排和一次对外通知
// - 观察到他人消息时批量写回回执：前台写 delivered+seen，后台只写 delivered
//
// 状态归引擎独占，外面只拿快照。
type Engine struct {
	roomID     string
	selfUserID uint64

	msgStore store.MessageStore
	channel  realtime.Channel

	pageSize     int
	sendAttempts int
	sendTimeout  time.Duration
	batchSize    int // delivered/seen 回执批大小

	loadMu sync.Mutex // 串行化 LoadInitial：并发加载只允许一个在跑

	mu         sync.RWMutex
	loaded     bool
	closed     bool
	foreground bool
	msgs       map[string]model.Message // MergeKey -> message
	seenIDs    map[string]struct{}      // 实时事件去重窗口（id + clientMessageId）
	oldest     time.Time                // 向更老翻页的游标
	anchor     time.Time                // 实时订阅的锚点：初始页最新一条，只处理严格晚于它的
	hasMore    bool

	pendingMu   sync.Mutex
	pendingLive []model.Message
	flushCh     chan struct{} // 容量 1：信号合并，一波突发一次 flush

	subject *Subject

	unsubscribe func()
	stopCh      chan struct{}

	// 确认写入后的钩子（composition root 挂 Kafka 导出）
	onConfirmed func(model.Message)
}

type Options struct {
	PageSize     int
	SendAttempts int
	SendTimeout  time.Duration
	BatchSize    int
	OnConfirmed  func(model.Message)
}

func NewEngine(roomID string, selfUserID uint64, msgStore store.MessageStore, channel realtime.Channel, opt Options) *Engine {
	if opt.PageSize <= 0 {
		opt.PageSize = 30
	}
	if opt.SendAttempts <= 0 {
		opt.SendAttempts = 3
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 5 * time.Second
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 10
	}
	return &Engine{
		roomID:       roomID,
		selfUserID:   selfUserID,
		msgStore:     msgStore,
		channel:      channel,
		pageSize:     opt.PageSize,
		sendAttempts: opt.SendAttempts,
		sendTimeout:  opt.SendTimeout,
		batchSize:    opt.BatchSize,
		foreground:   true,
		msgs:         make(map[string]model.Message),
		seenIDs:      make(map[string]struct{}),
		flushCh:      make(chan struct{}, 1),
		subject:      NewSubject(),
		stopCh:       make(chan struct{}),
		onConfirmed:  opt.OnConfirmed,
	}
}

// Subscribe 注册快照观察者，返回注销函数
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	return e.subject.Subscribe(fn)
}

// SetForeground 标签页前后台切换（前台回执写 seen，后台只写 delivered）
func (e *Engine) SetForeground(fg bool) {
	e.mu.Lock()
	e.foreground = fg
	e.mu.Unlock()
}

// LoadInitial 初始加载：倒序取最新一页，翻成升序，记住两端游标，
// 再挂实时订阅（订阅只认严格晚于 newest 的，避免重处理）。
// loaded 只在订阅挂上之后才置位：中途失败整个加载算没发生，下次还能重来；
// loadMu 保证并发 join 只有一个真正在加载，其余等它完事直接复用。
func (e *Engine) LoadInitial(ctx context.Context) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.RLock()
	already, closed := e.loaded, e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEngineClosed
	}
	if already {
		return nil
	}

	page, err := e.msgStore.ListNewest(ctx, e.roomID, e.pageSize)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	// page 是倒序的；map 里无所谓顺序，游标取两端
	for _, m := range page {
		e.msgs[m.MergeKey()] = m
		e.rememberSeenLocked(m)
	}
	if len(page) > 0 {
		e.anchor = page[0].CreatedAt
		e.oldest = page[len(page)-1].CreatedAt
	}
	e.hasMore = len(page) == e.pageSize
	e.mu.Unlock()

	events, cancel, err := e.channel.Subscribe(ctx, realtime.MessagesTopic(e.roomID))
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return ErrEngineClosed
	}
	e.unsubscribe = cancel
	e.loaded = true
	e.mu.Unlock()

	go e.liveLoop(events)
	go e.flushLoop()

	e.notify()
	return nil
}

// LoadMore 向更老方向翻一页。返回本页条数；短页之后 hasMore=false。
func (e *Engine) LoadMore(ctx context.Context) (int, error) {
	e.mu.RLock()
	if !e.loaded {
		e.mu.RUnlock()
		return 0, ErrNotLoaded
	}
	if !e.hasMore {
		e.mu.RUnlock()
		return 0, nil
	}
	before := e.oldest
	e.mu.RUnlock()

	page, err := e.msgStore.ListBefore(ctx, e.roomID, before, e.pageSize)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	for _, m := range page {
		e.msgs[m.MergeKey()] = m
		e.rememberSeenLocked(m)
	}
	if len(page) > 0 {
		e.oldest = page[len(page)-1].CreatedAt
	}
	e.hasMore = len(page) == e.pageSize
	e.mu.Unlock()

	e.notify()
	return len(page), nil
}

// Send 乐观发送：先插本地 Pending 条目立即可见，再带重试写远端。
// 写入耗尽重试后移除乐观条目并报错——绝不留一条卡死的 pending。
func (e *Engine) Send(ctx context.Context, draft model.DraftMessage) (model.Message, error) {
	e.mu.RLock()
	loaded, closed := e.loaded, e.closed
	e.mu.RUnlock()
	if closed {
		return model.Message{}, ErrEngineClosed
	}
	if !loaded {
		return model.Message{}, ErrNotLoaded
	}

	clientID := draft.ClientMessageID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	optimistic := model.Message{
		RoomID:          e.roomID,
		ClientMessageID: clientID,
		SenderID:        draft.SenderID,
		Text:            draft.Text,
		AttachmentRef:   draft.AttachmentRef,
		CreatedAt:       time.Now(),
		Pending:         true,
	}
	key := optimistic.MergeKey()

	e.mu.Lock()
	e.msgs[key] = optimistic
	e.mu.Unlock()
	e.notify()

	confirmed := optimistic
	confirmed.Pending = false
	var lastErr error
	for attempt := 0; attempt < e.sendAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		err := e.msgStore.Insert(attemptCtx, &confirmed)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if store.IsPermanent(err) || ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		// 回滚乐观条目
		e.mu.Lock()
		if cur, ok := e.msgs[key]; ok && cur.Pending {
			delete(e.msgs, key)
		}
		e.mu.Unlock()
		e.notify()
		if store.IsPermanent(lastErr) {
			return model.Message{}, lastErr
		}
		return model.Message{}, errors.Join(store.ErrRetryExhausted, lastErr)
	}

	// 确认覆盖乐观条目（实时订阅可能也送一份，seen 窗口会去重）
	e.mu.Lock()
	e.mergeLocked(confirmed)
	e.rememberSeenLocked(confirmed)
	e.mu.Unlock()
	e.notify()

	// 广播给同房间的其他引擎实例，它们走 live 合并路径。
	// 自己也会收到回声，上面已记过 seen 窗口会压掉。广播尽力而为。
	if payload, merr := json.Marshal(confirmed); merr == nil {
		evt := realtime.Event{
			Kind:    realtime.KindMessageNew,
			RoomID:  e.roomID,
			Key:     confirmed.ClientMessageID,
			Payload: payload,
			SentAt:  time.Now(),
		}
		if perr := e.channel.Publish(ctx, realtime.MessagesTopic(e.roomID), evt); perr != nil {
			log.Printf("roomsync: live broadcast failed (room=%s): %v", e.roomID, perr)
		}
	}

	if e.onConfirmed != nil {
		e.onConfirmed(confirmed)
	}
	return confirmed, nil
}

// AddReaction 对已确认消息追加表情回应（同键合并写）
func (e *Engine) AddReaction(ctx context.Context, messageID uint64, emoji string) error {
	err := e.msgStore.AddReaction(ctx, messageID, model.Reaction{Emoji: emoji, UserID: e.selfUserID})
	if err != nil {
		return err
	}
	e.mu.Lock()
	for k, m := range e.msgs {
		if m.ID == messageID {
			dup := false
			for _, r := range m.Reactions {
				if r.Emoji == emoji && r.UserID == e.selfUserID {
					dup = true
					break
				}
			}
			if !dup {
				m.Reactions = append(m.Reactions, model.Reaction{Emoji: emoji, UserID: e.selfUserID})
				e.msgs[k] = m
			}
			break
		}
	}
	e.mu.Unlock()
	e.notify()
	return nil
}

// liveLoop 消费实时事件：过锚点、去重，然后丢进待合并队列发信号。
// flushCh 容量为 1，一波突发只会留下一个信号，也就只有一次合并重排。
func (e *Engine) liveLoop(events <-chan realtime.Event) {
	for {
		select {
		case <-e.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind != realtime.KindMessageNew {
				continue
			}
			var m model.Message
			if err := json.Unmarshal(evt.Payload, &m); err != nil {
				log.Printf("roomsync: drop malformed live message: %v", err)
				continue
			}

			e.mu.Lock()
			// 锚点固定在初始页的最新一条：不晚于它的已经在初始页里了。
			// 锚点之后的乱序到达靠 seen 窗口去重，不在这里拦。
			if !e.anchor.IsZero() && !m.CreatedAt.After(e.anchor) {
				e.mu.Unlock()
				continue
			}
			if e.isSeenLocked(m) {
				e.mu.Unlock()
				continue
			}
			e.rememberSeenLocked(m)
			e.mu.Unlock()

			e.pendingMu.Lock()
			e.pendingLive = append(e.pendingLive, m)
			e.pendingMu.Unlock()
			select {
			case e.flushCh <- struct{}{}:
			default:
			}
		}
	}
}

// flushLoop 把攒下的实时消息一次性合并进消息表
func (e *Engine) flushLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.flushCh:
			e.pendingMu.Lock()
			batch := e.pendingLive
			e.pendingLive = nil
			e.pendingMu.Unlock()
			if len(batch) == 0 {
				continue
			}

			e.mu.Lock()
			for _, m := range batch {
				e.mergeLocked(m)
			}
			foreground := e.foreground
			e.mu.Unlock()
			e.notify()

			e.ackObserved(batch, foreground)
		}
	}
}

// mergeLocked 按幂等键合并：Confirmed 永远覆盖同键 Pending；
// 两条 Confirmed 撞键时以时间戳新者为准。
func (e *Engine) mergeLocked(m model.Message) {
	key := m.MergeKey()
	if cur, ok := e.msgs[key]; ok {
		if !m.Pending && cur.Pending {
			e.msgs[key] = m
		} else if !m.CreatedAt.Before(cur.CreatedAt) {
			e.msgs[key] = m
		}
	} else {
		e.msgs[key] = m
	}
}

// ackObserved 他人消息的回执：按批写回，失败只打日志下次再说。
// 前台标签页写 delivered+seen；后台标签页收到了但没人在看，只写 delivered。
func (e *Engine) ackObserved(batch []model.Message, foreground bool) {
	var ids []uint64
	for _, m := range batch {
		if m.SenderID != e.selfUserID && m.ID != 0 && !m.Delivered {
			ids = append(ids, m.ID)
		}
	}
	for start := 0; start < len(ids); start += e.batchSize {
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if foreground {
			err = e.msgStore.MarkSeen(ctx, e.roomID, ids[start:end])
		} else {
			err = e.msgStore.MarkDelivered(ctx, e.roomID, ids[start:end])
		}
		if err != nil {
			log.Printf("roomsync: mark delivered/seen failed: %v", err)
		}
		cancel()
	}
}

func (e *Engine) isSeenLocked(m model.Message) bool {
	if m.ClientMessageID != "" {
		if _, ok := e.seenIDs["c:"+m.ClientMessageID]; ok {
			return true
		}
	}
	if m.ID != 0 {
		if _, ok := e.seenIDs["i:"+strconv.FormatUint(m.ID, 10)]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) rememberSeenLocked(m model.Message) {
	if m.ClientMessageID != "" {
		e.seenIDs["c:"+m.ClientMessageID] = struct{}{}
	}
	if m.ID != 0 {
		e.seenIDs["i:"+strconv.FormatUint(m.ID, 10)] = struct{}{}
	}
}

// Messages 升序快照
func (e *Engine) Messages() []model.Message {
	e.mu.RLock()
	out := make([]model.Message, 0, len(e.msgs))
	for _, m := range e.msgs {
		out = append(out, m)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Engine) HasMore() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasMore
}

func (e *Engine) notify() {
	e.subject.Notify(Snapshot{Messages: e.Messages(), HasMore: e.HasMore()})
}

// Close 退订实时事件并停掉内部协程
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsub := e.unsubscribe
	e.mu.Unlock()

	close(e.stopCh)
	if unsub != nil {
		unsub()
	}
}
