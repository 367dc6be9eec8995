package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomAgent/backend/internal/cache"
	"roomAgent/backend/internal/model"
)

// Tracker 维护本标签页的一条连接记录，并按存活连接数推导用户级在线状态。
// 状态机（每条连接）：connecting -> online -> removed（体面下线或 TTL 过期清扫）。
// 在线写失败只打日志：presence 是参考信息，不是正确性关键。
type Tracker struct {
	mu sync.Mutex

	conns  cache.ConnectionCache
	userID uint64

	connectionID string
	connectedAt  time.Time
	online       bool
	visible      bool

	heartbeat time.Duration
	recordTTL time.Duration

	last model.AggregatedPresence

	stopCh   chan struct{}
	onChange func(model.AggregatedPresence)
}

type Options struct {
	Heartbeat time.Duration // 心跳间隔
	RecordTTL time.Duration // 连接记录的逻辑 TTL，必须明显大于心跳间隔
	OnChange  func(model.AggregatedPresence)
}

func NewTracker(conns cache.ConnectionCache, userID uint64, opt Options) *Tracker {
	if opt.Heartbeat <= 0 {
		opt.Heartbeat = 30 * time.Second
	}
	if opt.RecordTTL <= 0 {
		opt.RecordTTL = 2 * opt.Heartbeat
	}
	return &Tracker{
		conns:     conns,
		userID:    userID,
		visible:   true,
		heartbeat: opt.Heartbeat,
		recordTTL: opt.RecordTTL,
		onChange:  opt.OnChange,
		last: model.AggregatedPresence{
			UserID: userID,
			State:  model.PresenceOffline,
		},
	}
}

// GoOnline 创建一条新连接记录并启动心跳。
// 记录带逻辑 TTL，浏览器被强杀时由存储侧清扫收敛，无需客户端兜底。
func (t *Tracker) GoOnline(ctx context.Context) error {
	t.mu.Lock()
	if t.online {
		t.mu.Unlock()
		return nil
	}
	t.connectionID = uuid.NewString()
	t.connectedAt = time.Now()
	t.online = true
	t.stopCh = make(chan struct{})
	connID := t.connectionID
	stopCh := t.stopCh
	t.mu.Unlock()

	if err := t.conns.AddConnection(ctx, t.userID, connID, t.recordTTL); err != nil {
		t.mu.Lock()
		t.online = false
		close(t.stopCh)
		t.mu.Unlock()
		return err
	}
	go t.heartbeatLoop(stopCh)
	t.Recompute(ctx)
	return nil
}

// GoOffline 体面下线：显式删除记录再重算聚合
func (t *Tracker) GoOffline(ctx context.Context) error {
	t.mu.Lock()
	if !t.online {
		t.mu.Unlock()
		return nil
	}
	connID := t.connectionID
	t.online = false
	close(t.stopCh)
	t.mu.Unlock()

	if err := t.conns.RemoveConnection(ctx, t.userID, connID); err != nil {
		log.Printf("presence: remove connection failed (advisory): %v", err)
	}
	t.Recompute(ctx)
	return nil
}

// SetVisible 标签页可见性变化。隐藏时心跳挂起省写；重新可见立即续期，
// 不等下一个心跳 tick。
func (t *Tracker) SetVisible(ctx context.Context, visible bool) {
	t.mu.Lock()
	wasVisible := t.visible
	t.visible = visible
	online := t.online
	connID := t.connectionID
	t.mu.Unlock()

	if visible && !wasVisible && online {
		if err := t.conns.AddConnection(ctx, t.userID, connID, t.recordTTL); err != nil {
			log.Printf("presence: reassert on visibility failed (advisory): %v", err)
		}
		t.Recompute(ctx)
	}
}

func (t *Tracker) heartbeatLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			visible := t.visible
			online := t.online
			connID := t.connectionID
			t.mu.Unlock()
			if !online || !visible {
				// 后台标签页不续期；TTL 够长，切回前台会立即补一次
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := t.conns.AddConnection(ctx, t.userID, connID, t.recordTTL); err != nil {
				log.Printf("presence: heartbeat failed (advisory): %v", err)
			}
			cancel()
		}
	}
}

// Recompute 从存活连接数重算聚合状态。
// 不变式：只要还有一条存活记录就不得显示 offline。
func (t *Tracker) Recompute(ctx context.Context) model.AggregatedPresence {
	n, err := t.conns.CountAlive(ctx, t.userID)
	if err != nil {
		log.Printf("presence: count alive failed (advisory): %v", err)
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.last
	}

	state := model.PresenceOffline
	if n > 0 {
		state = model.PresenceOnline
	}

	t.mu.Lock()
	changed := t.last.State != state
	agg := t.last
	agg.ActiveConnections = n
	agg.State = state
	if changed {
		agg.LastChanged = time.Now()
	}
	t.last = agg
	cb := t.onChange
	t.mu.Unlock()

	if changed && cb != nil {
		cb(agg)
	}
	return agg
}

// Snapshot 当前聚合状态（只读副本）
func (t *Tracker) Snapshot() model.AggregatedPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// ConnectionRecord 本标签页的连接记录（未上线时返回 false）
func (t *Tracker) ConnectionRecord() (model.ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.online {
		return model.ConnectionRecord{}, false
	}
	return model.ConnectionRecord{
		ConnectionID: t.connectionID,
		UserID:       t.userID,
		ConnectedAt:  t.connectedAt,
	}, true
}
