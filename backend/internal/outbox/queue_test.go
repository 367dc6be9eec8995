package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/store"
)

func openTestQueue(t *testing.T, opt Options) *Queue {
	t.Helper()
	if opt.DrainGap == 0 {
		opt.DrainGap = time.Millisecond
	}
	q, err := Open(filepath.Join(t.TempDir(), "outbox.db"), opt)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func makeOp(id string) model.OutboundOperation {
	payload, _ := json.Marshal(map[string]string{"text": "msg " + id})
	return model.OutboundOperation{
		ID:         id,
		Kind:       "chat_message",
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

func TestQueue_OfflineEnqueueThenDrainInOrder(t *testing.T) {
	q := openTestQueue(t, Options{MaxRetry: 3})

	var mu sync.Mutex
	var delivered []string
	q.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		mu.Lock()
		delivered = append(delivered, op.ID)
		mu.Unlock()
		return nil
	})

	// 离线时入队 12 条（MAX_BATCH=10 的场景：批大小不影响队列容量）
	q.online.Store(false)
	for i := 0; i < 12; i++ {
		op := makeOp(fmt.Sprintf("key-%02d", i))
		op.EnqueuedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		if err := q.Enqueue(context.Background(), op); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	n, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 12 {
		t.Fatalf("Count = %d, want 12", n)
	}

	// 恢复在线，全部按入队顺序排空并删除
	q.online.Store(true)
	if err := q.DrainAll(context.Background()); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	n, _ = q.Count()
	if n != 0 {
		t.Fatalf("Count after drain = %d, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 12 {
		t.Fatalf("delivered %d ops, want 12", len(delivered))
	}
	for i, id := range delivered {
		want := fmt.Sprintf("key-%02d", i)
		if id != want {
			t.Fatalf("delivered[%d] = %s, want %s (enqueue order)", i, id, want)
		}
	}
}

func TestQueue_DuplicateKeyIsUpsert(t *testing.T) {
	q := openTestQueue(t, Options{MaxRetry: 3})
	q.online.Store(false)

	op := makeOp("same-key")
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(context.Background(), op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ops, err := q.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("GetAll len = %d, want 1 (upsert, not duplicate)", len(ops))
	}
}

func TestQueue_MaxRetryDropsAndReports(t *testing.T) {
	var mu sync.Mutex
	var dropped []model.OutboundOperation
	q := openTestQueue(t, Options{
		MaxRetry: 3,
		OnFailed: func(op model.OutboundOperation, err error) {
			mu.Lock()
			dropped = append(dropped, op)
			mu.Unlock()
		},
	})

	sendErr := errors.New("remote unavailable")
	q.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		return sendErr
	})

	q.online.Store(false)
	if err := q.Enqueue(context.Background(), makeOp("doomed")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.online.Store(true)

	// 每轮排空失败一次 retryCount+1；第 3 轮达到上限被丢弃
	for i := 0; i < 3; i++ {
		if err := q.DrainAll(context.Background()); err != nil {
			t.Fatalf("DrainAll round %d: %v", i, err)
		}
	}
	n, _ := q.Count()
	if n != 0 {
		t.Fatalf("Count = %d, want 0 (dropped after max retry)", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0].ID != "doomed" {
		t.Fatalf("dropped = %v, want exactly the doomed op", dropped)
	}
	if dropped[0].RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", dropped[0].RetryCount)
	}
}

func TestQueue_OnlineEnqueueSkipsPersistence(t *testing.T) {
	q := openTestQueue(t, Options{MaxRetry: 3})
	q.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		return nil // 直发成功
	})

	if err := q.Enqueue(context.Background(), makeOp("direct")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("Count = %d, want 0 (direct send must not persist)", n)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	q, err := Open(path, Options{MaxRetry: 3, DrainGap: time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.online.Store(false)
	if err := q.Enqueue(context.Background(), makeOp("persisted")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// 模拟页面重载：重开后操作还在
	q2, err := Open(path, Options{MaxRetry: 3, DrainGap: time.Millisecond})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()
	ops, err := q2.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "persisted" {
		t.Fatalf("ops after reopen = %v, want the persisted op", ops)
	}
}

func TestQueue_PermanentRejectionDroppedOnFirstDrain(t *testing.T) {
	var mu sync.Mutex
	var dropped []model.OutboundOperation
	q := openTestQueue(t, Options{
		MaxRetry: 5,
		OnFailed: func(op model.OutboundOperation, err error) {
			mu.Lock()
			dropped = append(dropped, op)
			mu.Unlock()
		},
	})

	attempts := 0
	q.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		attempts++
		return store.ErrWriteRejected
	})

	q.online.Store(false)
	if err := q.Enqueue(context.Background(), makeOp("rejected")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.online.Store(true)

	// 永久拒绝不该吃掉 MaxRetry 轮重投：一轮排空就删除并上报
	if err := q.DrainAll(context.Background()); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("delivery attempted %d times, want exactly 1", attempts)
	}
	n, _ := q.Count()
	if n != 0 {
		t.Fatalf("Count = %d, want 0 (rejected op must not linger)", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0].ID != "rejected" {
		t.Fatalf("dropped = %v, want exactly the rejected op", dropped)
	}
}

func TestQueue_PermanentRejectionOnDirectSendNotPersisted(t *testing.T) {
	var mu sync.Mutex
	reported := 0
	q := openTestQueue(t, Options{
		MaxRetry: 5,
		OnFailed: func(op model.OutboundOperation, err error) {
			mu.Lock()
			reported++
			mu.Unlock()
		},
	})
	q.SetSender(func(ctx context.Context, op model.OutboundOperation) error {
		return store.ErrWriteRejected
	})

	err := q.Enqueue(context.Background(), makeOp("direct-rejected"))
	if !errors.Is(err, store.ErrWriteRejected) {
		t.Fatalf("Enqueue err = %v, want WRITE_REJECTED surfaced to caller", err)
	}
	n, _ := q.Count()
	if n != 0 {
		t.Fatalf("Count = %d, want 0 (rejected op must not be persisted)", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if reported != 1 {
		t.Fatalf("OnFailed called %d times, want 1", reported)
	}
}
