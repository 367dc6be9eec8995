package realtime

import (
	"context"
	"sync"
)

// 内存实现：离线模式和测试用，进程内同步分发
type MemoryChannel struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event // topic -> subID -> chan
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string]map[int]chan Event)}
}

func (c *MemoryChannel) Publish(ctx context.Context, topic string, evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs[topic] {
		select {
		case ch <- evt:
		default:
			// 满了就丢，和 redis pub/sub 的不保证送达保持一致
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]chan Event)
	}
	c.subs[topic][id] = ch
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[topic], id)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
