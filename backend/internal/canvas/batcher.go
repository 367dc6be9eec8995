package canvas

import (
	"context"
	"log"
	"sync"
	"time"

	"roomAgent/backend/internal/model"
)

// FlushFunc 实际落一批笔画（通常包 store.SaveStrokes）
type FlushFunc func(ctx context.Context, strokes []model.Stroke) error

// Batcher 出站笔画的写批量器：
// - 每画完一笔 Add 进待写列表
// - 攒到 maxSize 立即刷；否则空闲 idleDelay 后刷，先到先算
// - 刷失败把这批塞回队头，下次一起重试，不丢
// - Close 时清掉定时器并立刻刷一次，卸载不丢笔画
type Batcher struct {
	mu      sync.Mutex
	pending []model.Stroke
	timer   *time.Timer

	maxSize   int
	idleDelay time.Duration
	flush     FlushFunc
	closed    bool
}

func NewBatcher(maxSize int, idleDelay time.Duration, flush FlushFunc) *Batcher {
	if maxSize <= 0 {
		maxSize = 10
	}
	if idleDelay <= 0 {
		idleDelay = 500 * time.Millisecond
	}
	return &Batcher{
		maxSize:   maxSize,
		idleDelay: idleDelay,
		flush:     flush,
	}
}

func (b *Batcher) Add(s model.Stroke) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, s)
	if len(b.pending) >= b.maxSize {
		b.stopTimerLocked()
		b.mu.Unlock()
		b.Flush(context.Background())
		return
	}
	// 重置空闲定时器
	b.stopTimerLocked()
	b.timer = time.AfterFunc(b.idleDelay, func() {
		b.Flush(context.Background())
	})
	b.mu.Unlock()
}

// Flush 把当前待写批次刷出去；失败整批塞回队头等下一次
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := b.flush(ctx, batch); err != nil {
		log.Printf("canvas: stroke batch flush failed, requeue %d strokes: %v", len(batch), err)
		b.mu.Lock()
		if !b.closed {
			b.pending = append(batch, b.pending...)
			b.stopTimerLocked()
			b.timer = time.AfterFunc(b.idleDelay, func() {
				b.Flush(context.Background())
			})
		} else {
			// 已关闭就只能丢了，至少日志里有
			log.Printf("canvas: dropping %d strokes on closed batcher", len(batch))
		}
		b.mu.Unlock()
	}
}

// PendingCount 测试用
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close 清掉定时器并立刻刷一次
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.stopTimerLocked()
	b.mu.Unlock()
	b.Flush(ctx)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
