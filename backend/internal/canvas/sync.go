package canvas

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/realtime"
	"roomAgent/backend/internal/store"
)

// SyncOptions 画板同步参数，零值取默认
type SyncOptions struct {
	MinDistance   float64       // 采样抖动过滤距离，默认 2.0
	MaxPoints     int           // 单笔画点数上限，默认 512
	MaxStrokes    int           // 本地缓存笔画上限，默认 1000
	BatchSize     int           // 写批次大小，默认 10
	IdleDelay     time.Duration // 写批次空闲延迟，默认 500ms
	RenderEvery   time.Duration // 重绘节拍，默认 33ms
	InitialLoad   int           // 初始回放条数，默认取 MaxStrokes
	DefaultColor  string
	DefaultWidth  float64
	DefaultBrush  string
	Render        RenderFunc // 可为 nil（无界面场景）
	// OnFlushed 一批笔画成功落库后的钩子（composition root 挂事件导出），可为 nil
	OnFlushed func(batch []model.Stroke)
}

// Sync 一块画板在本端的全部状态：
// 手势状态机 + 有界缓存 + 写批量器 + 节拍渲染 + 实时广播。
// 远端笔画从 realtime 订阅进来，本端笔画提交时三路同时走：
// 进缓存（立刻可见）、进批量器（落库）、发广播（别的端立刻可见）。
type Sync struct {
	sheetID  string
	tabID    string
	authorID uint64

	gesture *Gesture
	cache   *StrokeCache
	batcher *Batcher
	render  *Renderer

	strokes store.StrokeStore
	channel realtime.Channel

	color string
	width float64
	brush string

	initialLoad int

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

func NewSync(sheetID, tabID string, authorID uint64, strokes store.StrokeStore, channel realtime.Channel, opts SyncOptions) *Sync {
	if opts.MaxStrokes <= 0 {
		opts.MaxStrokes = 1000
	}
	if opts.DefaultColor == "" {
		opts.DefaultColor = "#000000"
	}
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = 2
	}
	if opts.DefaultBrush == "" {
		opts.DefaultBrush = "pen"
	}
	if opts.InitialLoad <= 0 {
		opts.InitialLoad = opts.MaxStrokes
	}

	s := &Sync{
		sheetID:  sheetID,
		tabID:    tabID,
		authorID: authorID,
		gesture:  NewGesture(opts.MinDistance, opts.MaxPoints),
		cache:    NewStrokeCache(opts.MaxStrokes),
		strokes:  strokes,
		channel:  channel,
		color:    opts.DefaultColor,
		width:    opts.DefaultWidth,
		brush:    opts.DefaultBrush,
	}
	s.batcher = NewBatcher(opts.BatchSize, opts.IdleDelay, func(ctx context.Context, batch []model.Stroke) error {
		if err := strokes.SaveStrokes(ctx, batch); err != nil {
			return err
		}
		if opts.OnFlushed != nil {
			opts.OnFlushed(batch)
		}
		return nil
	})
	s.render = NewRenderer(opts.RenderEvery, func() ([]model.Stroke, []float64) {
		return s.cache.Snapshot(), s.gesture.InProgress()
	}, func(ss []model.Stroke, ip []float64) {
		if opts.Render != nil {
			opts.Render(ss, ip)
		}
	})
	s.initialLoad = opts.InitialLoad
	return s
}

// Start 回放已有笔画、订阅远端广播、起渲染循环
func (s *Sync) Start(ctx context.Context) error {
	recent, err := s.strokes.ListRecent(ctx, s.sheetID, s.initialLoad)
	if err != nil {
		return err
	}
	for _, st := range recent {
		s.cache.Put(st)
	}

	ch, cancel, err := s.channel.Subscribe(ctx, realtime.StrokesTopic(s.sheetID))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = cancel
	s.mu.Unlock()

	go s.receiveLoop(ch)
	s.render.Start()
	return nil
}

func (s *Sync) receiveLoop(ch <-chan realtime.Event) {
	for evt := range ch {
		if evt.Kind != realtime.KindStroke {
			continue
		}
		if evt.TabID == s.tabID {
			continue // 自己发的回声
		}
		var st model.Stroke
		if err := json.Unmarshal(evt.Payload, &st); err != nil {
			log.Printf("canvas: bad stroke payload on %s: %v", s.sheetID, err)
			continue
		}
		s.cache.Put(st)
	}
}

// SetBrush 更换当前画笔
func (s *Sync) SetBrush(color string, width float64, brush string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if color != "" {
		s.color = color
	}
	if width > 0 {
		s.width = width
	}
	if brush != "" {
		s.brush = brush
	}
}

func (s *Sync) StartDrawing(x, y float64) {
	s.gesture.StartDrawing(x, y)
}

// ProcessDrawEvent 喂一个指针采样。缓冲满时自动切一笔提交再续画，
// 单笔画永远不超过点数上限。
func (s *Sync) ProcessDrawEvent(ctx context.Context, x, y float64) {
	if s.gesture.Full() {
		s.commitGesture(ctx)
		s.gesture.StartDrawing(x, y)
		return
	}
	s.gesture.ProcessDrawEvent(x, y)
}

// StopDrawing 结束手势并提交笔画，返回笔画 id（空表示没画出东西）
func (s *Sync) StopDrawing(ctx context.Context) string {
	return s.commitGesture(ctx)
}

func (s *Sync) commitGesture(ctx context.Context) string {
	pts := s.gesture.StopDrawing()
	if len(pts) < 2 {
		return ""
	}
	s.mu.Lock()
	color, width, brush := s.color, s.width, s.brush
	s.mu.Unlock()

	st := model.Stroke{
		ID:        uuid.NewString(),
		SheetID:   s.sheetID,
		AuthorID:  s.authorID,
		Points:    model.FloatList(pts),
		Color:     color,
		Width:     width,
		BrushKind: brush,
		CreatedAt: time.Now(),
	}

	s.cache.Put(st)
	s.batcher.Add(st)

	payload, _ := json.Marshal(st)
	evt := realtime.Event{
		Kind:    realtime.KindStroke,
		RoomID:  s.sheetID,
		TabID:   s.tabID,
		Key:     st.ID,
		Payload: payload,
		SentAt:  time.Now(),
	}
	if err := s.channel.Publish(ctx, realtime.StrokesTopic(s.sheetID), evt); err != nil {
		// 广播尽力而为；笔画已在批量器里，落库后别的端回放能看到
		log.Printf("canvas: stroke broadcast failed on %s: %v", s.sheetID, err)
	}
	return st.ID
}

// Strokes 当前可见笔画（升序），调试/测试用
func (s *Sync) Strokes() []model.Stroke {
	return s.cache.Snapshot()
}

// Close 停渲染、退订、刷掉批量器里还没落库的笔画
func (s *Sync) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.mu.Unlock()

	s.render.Stop()
	if unsub != nil {
		unsub()
	}
	s.commitGesture(ctx)
	s.batcher.Close(ctx)
}
