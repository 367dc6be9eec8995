package canvas

import "testing"

// 抖动过滤：一堆挤在一起的采样不应该每个都进缓冲
func TestGestureFiltersJitter(t *testing.T) {
	g := NewGesture(2.0, 512)
	g.StartDrawing(0, 0)
	for i := 0; i < 40; i++ {
		g.ProcessDrawEvent(0.1*float64(i), 0)
	}
	pts := g.StopDrawing()
	if len(pts)/2 >= 41 {
		t.Fatalf("expected fewer points than samples, got %d pairs", len(pts)/2)
	}
	if len(pts) < 2 {
		t.Fatalf("expected at least the start point, got %v", pts)
	}
}

// 首尾保留：末个采样即使被过滤拒掉，提交时必须补回去
func TestGestureKeepsFirstAndLastSample(t *testing.T) {
	g := NewGesture(2.0, 512)
	g.StartDrawing(0, 0)
	g.ProcessDrawEvent(10, 0)  // 接受
	g.ProcessDrawEvent(10.5, 0) // 距离不够，拒
	pts := g.StopDrawing()

	if pts[0] != 0 || pts[1] != 0 {
		t.Fatalf("first sample lost: %v", pts)
	}
	lastX := pts[len(pts)-2]
	if lastX != 10.5 {
		t.Fatalf("last raw sample not preserved, tail x=%v", lastX)
	}
}

// 缓冲上限是硬边界，到顶后不再追加
func TestGestureCapsPointBuffer(t *testing.T) {
	g := NewGesture(1.0, 4)
	g.StartDrawing(0, 0)
	for i := 1; i <= 20; i++ {
		g.ProcessDrawEvent(float64(i*10), 0)
	}
	if !g.Full() {
		t.Fatal("buffer should be full")
	}
	pts := g.StopDrawing()
	// 4 对上限 + 补回的末个原始采样
	if len(pts)/2 > 5 {
		t.Fatalf("buffer exceeded cap: %d pairs", len(pts)/2)
	}
}

// idle 状态下的采样全部无效
func TestGestureIgnoresEventsWhenIdle(t *testing.T) {
	g := NewGesture(2.0, 512)
	if g.ProcessDrawEvent(1, 1) {
		t.Fatal("accepted a sample before StartDrawing")
	}
	if pts := g.StopDrawing(); pts != nil {
		t.Fatalf("StopDrawing while idle returned %v", pts)
	}
}

// 提交后缓冲清空，下一笔从零开始
func TestGestureResetsBetweenStrokes(t *testing.T) {
	g := NewGesture(2.0, 512)
	g.StartDrawing(0, 0)
	g.ProcessDrawEvent(10, 10)
	first := g.StopDrawing()

	g.StartDrawing(100, 100)
	second := g.StopDrawing()

	if len(second) != 2 {
		t.Fatalf("second stroke should only have its start point, got %v", second)
	}
	if len(first) < 4 {
		t.Fatalf("first stroke lost points: %v", first)
	}
}
