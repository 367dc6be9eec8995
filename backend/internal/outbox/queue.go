package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"roomAgent/backend/internal/model"
	"roomAgent/backend/internal/store"
)

// 本地持久 FIFO：未确认的出站操作落在 bbolt 里，重启后还在。
// 投递策略：
// - 在线且有 sender 时先试直发，成功就不落盘
// - 失败/离线则按幂等键 upsert（同键重复入队是覆盖，不是追加）
// - 网络恢复信号触发排空；在线直发成功也顺手排空一次
// - 排空逐条进行，条与条之间隔固定的短间隔，别打爆远端
// - 永久拒绝（如 WRITE_REJECTED）首次失败就删除并上报，重试也不会变成功
// - 其余失败 retryCount 累加，达到 MaxRetry 就删除并上报，绝不无限重试
//
// 重投间隔是固定的，不是指数退避——指数退避留给网络重连流，两边有意不统一。

var bucketOps = []byte("outbox_ops")

var ErrQueueClosed = errors.New("QUEUE_CLOSED")

// 出站操作类型
const KindChatMessage = "chat_message"

// Sender 实际投递一条操作（由调用方注册，通常包一层消息引擎的发送）
type Sender func(ctx context.Context, op model.OutboundOperation) error

// FailureHandler 永久失败上报（重试耗尽被丢弃的操作）
type FailureHandler func(op model.OutboundOperation, err error)

type Queue struct {
	db *bolt.DB

	mu       sync.Mutex // 串行化排空：同一时刻只有一轮 drain
	sender   Sender
	onFailed FailureHandler

	online      atomic.Bool
	closed      atomic.Bool
	maxRetry    int
	gap         time.Duration // 排空时条与条之间的间隔
	isPermanent func(error) bool
}

type Options struct {
	MaxRetry int
	DrainGap time.Duration
	OnFailed FailureHandler
	// IsPermanent 判定投递错误是否重试也没救，默认 store.IsPermanent
	IsPermanent func(error) bool
}

func Open(path string, opt Options) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOps)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 5
	}
	if opt.DrainGap <= 0 {
		opt.DrainGap = 200 * time.Millisecond
	}
	if opt.IsPermanent == nil {
		opt.IsPermanent = store.IsPermanent
	}
	q := &Queue{
		db:          db,
		onFailed:    opt.OnFailed,
		maxRetry:    opt.MaxRetry,
		gap:         opt.DrainGap,
		isPermanent: opt.IsPermanent,
	}
	q.online.Store(true)
	return q, nil
}

func (q *Queue) Close() error {
	q.closed.Store(true)
	return q.db.Close()
}

// SetSender 注册投递函数（必须在 Enqueue 之前）
func (q *Queue) SetSender(s Sender) {
	q.mu.Lock()
	q.sender = s
	q.mu.Unlock()
}

// SetOnline 连通性变化。恢复在线触发一轮后台排空。
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was && !q.closed.Load() {
		go func() {
			if err := q.DrainAll(context.Background()); err != nil {
				log.Printf("outbox: drain after reconnect failed: %v", err)
			}
		}()
	}
}

// Enqueue 入队。在线先试直发；直发失败或离线才落盘。
// 直发被永久拒绝时不落盘——落了也只会被一遍遍拒——直接上报并把错误还给调用方。
func (q *Queue) Enqueue(ctx context.Context, op model.OutboundOperation) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	sender := q.sender
	q.mu.Unlock()

	if q.online.Load() && sender != nil {
		err := sender(ctx, op)
		if err == nil {
			// 直发成功：顺手把之前积压的也排一排
			go func() {
				if err := q.DrainAll(context.Background()); err != nil {
					log.Printf("outbox: opportunistic drain failed: %v", err)
				}
			}()
			return nil
		}
		if q.isPermanent(err) {
			if q.onFailed != nil {
				q.onFailed(op, err)
			}
			return err
		}
	}
	return q.put(op)
}

func (q *Queue) put(op model.OutboundOperation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		// 同键覆盖：重复入队不会产生第二条
		return tx.Bucket(bucketOps).Put([]byte(op.ID), b)
	})
}

// DrainAll 按入队顺序逐条尝试投递所有落盘操作。
// 成功删除；永久拒绝立刻删除并上报；其余失败 retryCount++ 并持久化，
// 达到上限删除并上报。
func (q *Queue) DrainAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	sender := q.sender
	if sender == nil {
		return nil
	}

	ops, err := q.getAll()
	if err != nil {
		return err
	}
	for i, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			// 固定短间隔，避免恢复瞬间把远端打成突发
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.gap):
			}
		}
		if !q.online.Load() {
			// 排空中途又掉线了，剩下的留给下一轮
			return nil
		}

		err := sender(ctx, op)
		if err == nil {
			if derr := q.delete(op.ID); derr != nil {
				return derr
			}
			continue
		}

		if q.isPermanent(err) {
			// 远端明确拒绝，重投多少次都一样
			log.Printf("outbox: drop op %s, permanently rejected: %v", op.ID, err)
			if derr := q.delete(op.ID); derr != nil {
				return derr
			}
			if q.onFailed != nil {
				q.onFailed(op, err)
			}
			continue
		}

		op.RetryCount++
		if op.RetryCount >= q.maxRetry {
			// 有意的丢弃策略：上报永久失败后删除
			log.Printf("outbox: drop op %s after %d retries: %v", op.ID, op.RetryCount, err)
			if derr := q.delete(op.ID); derr != nil {
				return derr
			}
			if q.onFailed != nil {
				q.onFailed(op, err)
			}
			continue
		}
		if perr := q.put(op); perr != nil {
			return perr
		}
	}
	return nil
}

// Count 当前落盘的操作条数
func (q *Queue) Count() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOps).Stats().KeyN
		return nil
	})
	return n, err
}

// GetAll 按入队时间升序返回全部落盘操作
func (q *Queue) GetAll() ([]model.OutboundOperation, error) {
	return q.getAll()
}

func (q *Queue) getAll() ([]model.OutboundOperation, error) {
	var ops []model.OutboundOperation
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			var op model.OutboundOperation
			if err := json.Unmarshal(v, &op); err != nil {
				log.Printf("outbox: drop corrupted entry %s: %v", k, err)
				return nil
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// bbolt 按键序遍历，键是 uuid；投递顺序要按入队时间
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops, nil
}

func (q *Queue) delete(id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Delete([]byte(id))
	})
}
