package canvas

import (
	"sync"
	"time"

	"roomAgent/backend/internal/model"
)

// RenderFunc 一次完整重绘：已知笔画全量 + 进行中的缓冲
type RenderFunc func(strokes []model.Stroke, inProgress []float64)

// Renderer 渲染与输入解耦：固定节拍的重绘循环，
// 输入来多快都只按这个间隔画，慢设备不会被拖垮。
// Stop 会取消挂起的下一帧，不留孤儿回调。
type Renderer struct {
	mu       sync.Mutex
	interval time.Duration
	render   RenderFunc
	source   func() ([]model.Stroke, []float64)
	stopCh   chan struct{}
	running  bool
}

func NewRenderer(interval time.Duration, source func() ([]model.Stroke, []float64), render RenderFunc) *Renderer {
	if interval <= 0 {
		interval = 33 * time.Millisecond // ~30fps
	}
	return &Renderer{interval: interval, render: render, source: source}
}

func (r *Renderer) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				strokes, inProgress := r.source()
				r.render(strokes, inProgress)
			}
		}
	}()
}

func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
}
