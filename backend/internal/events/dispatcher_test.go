package events

import (
	"context"
	"testing"
	"time"
)

// nil producer 是空操作，Submit 不阻塞也不报错
func TestSubmitWithoutProducer(t *testing.T) {
	d := NewDispatcher(nil, "", nil, DispatcherOptions{QueueSize: 4, Workers: 1})
	for i := 0; i < 8; i++ {
		if err := d.Submit(context.Background(), RoomEvent{RoomID: "r1", Kind: "message_confirmed"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

// 队列满且 worker 堵住时，Submit 按 ctx 超时返回
func TestSubmitTimesOutWhenQueueFull(t *testing.T) {
	sem := NewSemaphore(1)
	// 占住唯一的信号量，worker 取不到，队列只出不进
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	d := NewDispatcher(nil, "", sem, DispatcherOptions{QueueSize: 1, Workers: 1})

	// 第一条被 worker 取走后卡在 Acquire，第二条占满队列
	_ = d.Submit(context.Background(), RoomEvent{RoomID: "r1"})
	time.Sleep(20 * time.Millisecond)
	_ = d.Submit(context.Background(), RoomEvent{RoomID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Submit(ctx, RoomEvent{RoomID: "r1"}); err == nil {
		t.Fatal("expected timeout on full queue")
	}
}

func TestSemaphoreReleaseWithoutAcquire(t *testing.T) {
	s := NewSemaphore(2)
	if err := s.Release(); err == nil {
		t.Fatal("release without acquire should fail")
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
