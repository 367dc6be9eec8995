package canvas

import (
	"context"
	"sync"
	"testing"
	"time"

	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/realtime"
	"roomAgent/backend/internal/store"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSync(t *testing.T, st store.StrokeStore, ch realtime.Channel, tabID string) *Sync {
	t.Helper()
	s := NewSync("sheet-1", tabID, 7, st, ch, SyncOptions{
		MinDistance: 1.0,
		BatchSize:   1, // 每笔立刻落库，测试好观察
		IdleDelay:   10 * time.Millisecond,
		RenderEvery: time.Hour, // 测试里不关心重绘节拍
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// 一端画完，另一端立刻通过广播看到同一笔画
func TestSyncBroadcastsCommittedStroke(t *testing.T) {
	mem := store.NewMemoryStore()
	ch := realtime.NewMemoryChannel()
	a := newTestSync(t, mem, ch, "tab-a")
	b := newTestSync(t, mem, ch, "tab-b")

	a.StartDrawing(0, 0)
	a.ProcessDrawEvent(context.Background(), 10, 10)
	id := a.StopDrawing(context.Background())
	if id == "" {
		t.Fatal("commit produced no stroke")
	}

	waitFor(t, func() bool {
		_, ok := b.cache.Get(id)
		return ok
	}, "peer never received the stroke")
}

// 自己发的广播回声不会让本地重复计数
func TestSyncSuppressesOwnEcho(t *testing.T) {
	mem := store.NewMemoryStore()
	ch := realtime.NewMemoryChannel()
	a := newTestSync(t, mem, ch, "tab-a")

	a.StartDrawing(0, 0)
	a.ProcessDrawEvent(context.Background(), 10, 10)
	a.StopDrawing(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := len(a.Strokes()); got != 1 {
		t.Fatalf("expected exactly 1 stroke locally, got %d", got)
	}
}

// 提交的笔画落了库，新开的端能回放出来
func TestSyncReplaysPersistedStrokes(t *testing.T) {
	mem := store.NewMemoryStore()
	ch := realtime.NewMemoryChannel()
	a := newTestSync(t, mem, ch, "tab-a")

	a.StartDrawing(0, 0)
	a.ProcessDrawEvent(context.Background(), 20, 0)
	id := a.StopDrawing(context.Background())

	waitFor(t, func() bool {
		got, _ := mem.ListRecent(context.Background(), "sheet-1", 10)
		return len(got) == 1
	}, "stroke never persisted")

	late := newTestSync(t, mem, ch, "tab-late")
	if _, ok := late.cache.Get(id); !ok {
		t.Fatal("late joiner did not replay persisted stroke")
	}
}

// 缓冲满了自动切笔续画，一条长手势变多条笔画，没有采样丢失
func TestSyncSplitsOversizedGesture(t *testing.T) {
	mem := store.NewMemoryStore()
	ch := realtime.NewMemoryChannel()
	s := NewSync("sheet-1", "tab-a", 7, mem, ch, SyncOptions{
		MinDistance: 0.5,
		MaxPoints:   4,
		BatchSize:   100,
		IdleDelay:   time.Hour,
		RenderEvery: time.Hour,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close(context.Background())

	s.StartDrawing(0, 0)
	for i := 1; i <= 12; i++ {
		s.ProcessDrawEvent(context.Background(), float64(i*10), 0)
	}
	s.StopDrawing(context.Background())

	if got := len(s.Strokes()); got < 2 {
		t.Fatalf("oversized gesture should split into multiple strokes, got %d", got)
	}
}

// 落库成功的批次会触发钩子，钩子拿到的就是落库的那批
func TestSyncFlushHookFiresAfterPersist(t *testing.T) {
	mem := store.NewMemoryStore()
	ch := realtime.NewMemoryChannel()

	var mu sync.Mutex
	var flushed []model.Stroke
	s := NewSync("sheet-1", "tab-a", 7, mem, ch, SyncOptions{
		MinDistance: 1.0,
		BatchSize:   1,
		IdleDelay:   10 * time.Millisecond,
		RenderEvery: time.Hour,
		OnFlushed: func(batch []model.Stroke) {
			mu.Lock()
			flushed = append(flushed, batch...)
			mu.Unlock()
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close(context.Background())

	s.StartDrawing(0, 0)
	s.ProcessDrawEvent(context.Background(), 10, 10)
	id := s.StopDrawing(context.Background())
	if id == "" {
		t.Fatal("commit produced no stroke")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1 && flushed[0].ID == id
	}, "flush hook never fired for the persisted stroke")
}
