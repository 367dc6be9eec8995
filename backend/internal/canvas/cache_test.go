package canvas

import (
	"fmt"
	"testing"
	"time"

	"roomAgent/backend/internal/model"
)

func strokeAt(id string, at time.Time) model.Stroke {
	return model.Stroke{ID: id, SheetID: "s1", Points: model.FloatList{0, 0, 1, 1}, CreatedAt: at}
}

// 超界后一次淘汰 10%，且留下来的都比被删的新
func TestStrokeCacheEvictsOldestTenPercent(t *testing.T) {
	c := NewStrokeCache(100)
	base := time.Now()
	for i := 0; i < 101; i++ {
		c.Put(strokeAt(fmt.Sprintf("st-%03d", i), base.Add(time.Duration(i)*time.Second)))
	}

	if c.Len() != 91 {
		t.Fatalf("expected 91 after eviction, got %d", c.Len())
	}
	// 最老的 10 条应该没了
	for i := 0; i < 10; i++ {
		if _, ok := c.Get(fmt.Sprintf("st-%03d", i)); ok {
			t.Fatalf("st-%03d should have been evicted", i)
		}
	}
	// 最新的还在
	if _, ok := c.Get("st-100"); !ok {
		t.Fatal("newest stroke evicted")
	}
}

// 没越界绝不淘汰
func TestStrokeCacheNoEvictionUnderBound(t *testing.T) {
	c := NewStrokeCache(50)
	base := time.Now()
	for i := 0; i < 50; i++ {
		c.Put(strokeAt(fmt.Sprintf("st-%d", i), base.Add(time.Duration(i)*time.Millisecond)))
	}
	if c.Len() != 50 {
		t.Fatalf("expected all 50 retained, got %d", c.Len())
	}
}

// 同 id 覆盖不算新增
func TestStrokeCachePutOverwritesSameID(t *testing.T) {
	c := NewStrokeCache(10)
	at := time.Now()
	c.Put(strokeAt("dup", at))
	c.Put(strokeAt("dup", at.Add(time.Second)))
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

// 快照按创建时间升序
func TestStrokeCacheSnapshotAscending(t *testing.T) {
	c := NewStrokeCache(10)
	base := time.Now()
	c.Put(strokeAt("b", base.Add(2*time.Second)))
	c.Put(strokeAt("a", base))
	c.Put(strokeAt("c", base.Add(4*time.Second)))

	snap := c.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].CreatedAt.Before(snap[i-1].CreatedAt) {
			t.Fatalf("snapshot out of order at %d", i)
		}
	}
}
