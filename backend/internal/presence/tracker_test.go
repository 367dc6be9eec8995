package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomAgent/backend/internal/model"
)

// 内存版 ConnectionCache：聚合逻辑不该依赖 Redis 才能测
type fakeConns struct {
	mu    sync.Mutex
	conns map[uint64]map[string]time.Time // userID -> connID -> expireAt
}

func newFakeConns() *fakeConns {
	return &fakeConns{conns: make(map[uint64]map[string]time.Time)}
}

func (f *fakeConns) AddConnection(ctx context.Context, userID uint64, connectionID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[userID] == nil {
		f.conns[userID] = make(map[string]time.Time)
	}
	f.conns[userID][connectionID] = time.Now().Add(ttl)
	return nil
}

func (f *fakeConns) RemoveConnection(ctx context.Context, userID uint64, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns[userID], connectionID)
	return nil
}

func (f *fakeConns) CountAlive(ctx context.Context, userID uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	n := 0
	for id, exp := range f.conns[userID] {
		if exp.After(now) {
			n++
		} else {
			delete(f.conns[userID], id)
		}
	}
	return n, nil
}

func (f *fakeConns) AliveConnections(ctx context.Context, userID uint64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []string
	for id, exp := range f.conns[userID] {
		if exp.After(now) {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestTracker_TwoTabsKeepUserOnline(t *testing.T) {
	ctx := context.Background()
	conns := newFakeConns()

	// 两个标签页 = 两个 Tracker，共享同一个用户
	tab1 := NewTracker(conns, 7, Options{Heartbeat: time.Hour})
	tab2 := NewTracker(conns, 7, Options{Heartbeat: time.Hour})

	if err := tab1.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline tab1: %v", err)
	}
	if err := tab2.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline tab2: %v", err)
	}

	agg := tab1.Recompute(ctx)
	if agg.State != model.PresenceOnline || agg.ActiveConnections != 2 {
		t.Fatalf("after two tabs: state=%s conns=%d, want online/2", agg.State, agg.ActiveConnections)
	}

	// 关掉一个标签页：还有一条记录，不得显示 offline
	if err := tab1.GoOffline(ctx); err != nil {
		t.Fatalf("GoOffline tab1: %v", err)
	}
	agg = tab2.Recompute(ctx)
	if agg.State != model.PresenceOnline || agg.ActiveConnections != 1 {
		t.Fatalf("after one removal: state=%s conns=%d, want online/1", agg.State, agg.ActiveConnections)
	}

	// 关掉最后一个
	if err := tab2.GoOffline(ctx); err != nil {
		t.Fatalf("GoOffline tab2: %v", err)
	}
	agg = tab2.Recompute(ctx)
	if agg.State != model.PresenceOffline || agg.ActiveConnections != 0 {
		t.Fatalf("after last removal: state=%s conns=%d, want offline/0", agg.State, agg.ActiveConnections)
	}
}

func TestTracker_StateMatchesCountAtEveryStep(t *testing.T) {
	ctx := context.Background()
	conns := newFakeConns()

	trackers := make([]*Tracker, 4)
	for i := range trackers {
		trackers[i] = NewTracker(conns, 9, Options{Heartbeat: time.Hour})
	}

	// 任意上线/下线交错后，state==online 当且仅当存活数>0
	steps := []struct {
		idx    int
		online bool
	}{
		{0, true}, {1, true}, {0, false}, {2, true}, {3, true},
		{1, false}, {2, false}, {3, false},
	}
	for i, s := range steps {
		var err error
		if s.online {
			err = trackers[s.idx].GoOnline(ctx)
		} else {
			err = trackers[s.idx].GoOffline(ctx)
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		agg := trackers[s.idx].Recompute(ctx)
		wantOnline := agg.ActiveConnections > 0
		gotOnline := agg.State == model.PresenceOnline
		if wantOnline != gotOnline {
			t.Fatalf("step %d: state=%s but activeConnections=%d", i, agg.State, agg.ActiveConnections)
		}
	}
}

func TestTracker_UngracefulCloseConvergesByTTL(t *testing.T) {
	ctx := context.Background()
	conns := newFakeConns()

	tab := NewTracker(conns, 11, Options{Heartbeat: time.Hour, RecordTTL: 30 * time.Millisecond})
	if err := tab.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	if agg := tab.Recompute(ctx); agg.State != model.PresenceOnline {
		t.Fatalf("fresh connection should be online, got %s", agg.State)
	}

	// 不调 GoOffline（浏览器被强杀）：记录到期后聚合必须收敛到 offline
	time.Sleep(60 * time.Millisecond)
	if agg := tab.Recompute(ctx); agg.State != model.PresenceOffline {
		t.Fatalf("expired record should converge to offline, got %s", agg.State)
	}
}

func TestTracker_ChangeCallbackFiresOnFlip(t *testing.T) {
	ctx := context.Background()
	conns := newFakeConns()

	var mu sync.Mutex
	var flips []model.PresenceState
	tab := NewTracker(conns, 13, Options{
		Heartbeat: time.Hour,
		OnChange: func(a model.AggregatedPresence) {
			mu.Lock()
			flips = append(flips, a.State)
			mu.Unlock()
		},
	})

	if err := tab.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	tab.Recompute(ctx) // 状态没翻转，不应重复回调
	if err := tab.GoOffline(ctx); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flips) != 2 || flips[0] != model.PresenceOnline || flips[1] != model.PresenceOffline {
		t.Fatalf("flips = %v, want [online offline]", flips)
	}
}
