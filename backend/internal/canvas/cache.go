package canvas

import (
	"sort"
	"sync"

	"roomAgent/backend/internal/model"
)

// StrokeCache 有界的 strokeId -> Stroke 映射。
// 越界后一次淘汰最老的 10%（按创建时间），摊薄淘汰成本；
// 没越界绝不淘汰。淘汰是正常的配额回收，不算错误。
type StrokeCache struct {
	mu      sync.RWMutex
	max     int
	strokes map[string]model.Stroke
}

func NewStrokeCache(max int) *StrokeCache {
	if max <= 0 {
		max = 1000
	}
	return &StrokeCache{
		max:     max,
		strokes: make(map[string]model.Stroke),
	}
}

// Put 放入一条笔画（同 id 覆盖），必要时触发批量淘汰
func (c *StrokeCache) Put(s model.Stroke) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strokes[s.ID] = s
	if len(c.strokes) <= c.max {
		return
	}

	// 淘汰最老的 10%（至少 1 条 + 超出部分），保留的都比被删的新
	evict := c.max / 10
	if evict < 1 {
		evict = 1
	}
	overflow := len(c.strokes) - c.max
	if overflow > evict {
		evict = overflow
	}

	all := make([]model.Stroke, 0, len(c.strokes))
	for _, st := range c.strokes {
		all = append(all, st)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	for i := 0; i < evict && i < len(all); i++ {
		delete(c.strokes, all[i].ID)
	}
}

func (c *StrokeCache) Get(id string) (model.Stroke, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strokes[id]
	return s, ok
}

func (c *StrokeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.strokes)
}

// Snapshot 按创建时间升序的只读副本（重绘用）
func (c *StrokeCache) Snapshot() []model.Stroke {
	c.mu.RLock()
	out := make([]model.Stroke, 0, len(c.strokes))
	for _, s := range c.strokes {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
