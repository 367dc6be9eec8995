package canvas

import (
	"math"
	"sync"
)

// 手势状态机：idle -> drawing -> idle。
// PointBuffer 只在手势进行中存在，提交后清空。
// 采样接收规则：
// - 与上一个已接受点的距离超过 minDistance 才收（抖动过滤）
// - 缓冲达到 maxPoints 后不再追加（硬性 flush 边界，调用方该提交了）
// 不变式：进行中只增不减；StopDrawing 之后缓冲为空。
// 首尾两个原始采样永远保留：尾点即使被距离过滤拒掉，提交时也补回去。
type Gesture struct {
	mu sync.Mutex

	active      bool
	lastPoint   [2]float64 // 最后一个已接受的点
	lastRaw     [2]float64 // 最后一个原始采样（可能被拒）
	hasRaw      bool
	points      []float64 // 扁平 [x0,y0,x1,y1,...]
	minDistance float64
	maxPoints   int // 点数上限（坐标对数）
}

func NewGesture(minDistance float64, maxPoints int) *Gesture {
	if minDistance <= 0 {
		minDistance = 2.0
	}
	if maxPoints <= 0 {
		maxPoints = 512
	}
	return &Gesture{minDistance: minDistance, maxPoints: maxPoints}
}

// StartDrawing 进入 drawing，首个采样无条件接受
func (g *Gesture) StartDrawing(x, y float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.points = g.points[:0]
	g.points = append(g.points, x, y)
	g.lastPoint = [2]float64{x, y}
	g.lastRaw = g.lastPoint
	g.hasRaw = true
}

// ProcessDrawEvent 处理一个采样，返回是否被接受
func (g *Gesture) ProcessDrawEvent(x, y float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return false
	}
	g.lastRaw = [2]float64{x, y}
	g.hasRaw = true

	if len(g.points)/2 >= g.maxPoints {
		return false
	}
	dx := x - g.lastPoint[0]
	dy := y - g.lastPoint[1]
	if math.Hypot(dx, dy) < g.minDistance {
		return false
	}
	g.points = append(g.points, x, y)
	g.lastPoint = [2]float64{x, y}
	return true
}

// Full 缓冲是否已到硬性边界
func (g *Gesture) Full() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.points)/2 >= g.maxPoints
}

// Active 是否在手势进行中
func (g *Gesture) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// InProgress 进行中缓冲的只读副本（渲染用）
func (g *Gesture) InProgress() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil
	}
	return append([]float64(nil), g.points...)
}

// StopDrawing 回到 idle 并交出缓冲的点列。
// 末个原始采样若被过滤拒掉，这里补回去（笔画终点不能丢）。
func (g *Gesture) StopDrawing() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil
	}
	g.active = false
	pts := g.points
	if g.hasRaw && len(pts) >= 2 {
		lastX, lastY := pts[len(pts)-2], pts[len(pts)-1]
		if lastX != g.lastRaw[0] || lastY != g.lastRaw[1] {
			pts = append(pts, g.lastRaw[0], g.lastRaw[1])
		}
	}
	g.points = nil
	g.hasRaw = false
	return pts
}
