package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"roomAgent/backend/internal/model"
)

// 远端文档存储的窄契约。引擎只依赖这里声明的能力：
// - 按创建时间倒序的范围读（游标指向最老一条之前/之后）
// - 条件写 / 合并写
// - 批量写（已送达/已读回执）
// 实时推送不在这里：确认消息经由 realtime.Channel 到达，引擎自己按游标过滤。
type MessageStore interface {
	// ListNewest 取最新 limit 条，按 createdAt 倒序返回
	ListNewest(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	// ListBefore 取严格早于 before 的 limit 条，按 createdAt 倒序返回
	ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]model.Message, error)
	// Insert 写入消息并回填权威 ID / CreatedAt。
	// 同 (roomId, clientMessageId) 重复插入视为成功（幂等），不报错。
	Insert(ctx context.Context, msg *model.Message) error
	// MarkDelivered 批量置 delivered（接收端观察到他人消息时写）
	MarkDelivered(ctx context.Context, roomID string, ids []uint64) error
	// MarkSeen 批量置 seen（前台可见时写）
	MarkSeen(ctx context.Context, roomID string, ids []uint64) error
	// AddReaction 合并写一条表情回应（同键去重）
	AddReaction(ctx context.Context, messageID uint64, r model.Reaction) error
}

type StrokeStore interface {
	// SaveStrokes 批量落一批笔画（写批次来自 canvas 的批量器）
	SaveStrokes(ctx context.Context, strokes []model.Stroke) error
	// ListRecent 取画板最近 limit 条笔画，按 createdAt 升序返回
	ListRecent(ctx context.Context, sheetID string, limit int) ([]model.Stroke, error)
}

var (
	// ErrWriteRejected 远端明确拒绝（鉴权等），不重试，直接回滚乐观状态
	ErrWriteRejected = errors.New("WRITE_REJECTED")
	// ErrRetryExhausted 瞬态失败重试次数用尽
	ErrRetryExhausted = errors.New("RETRY_EXHAUSTED")
)

// IsDuplicate 幂等键撞车（MySQL 1062）。按规范归为"静默合并"，不是错误。
func IsDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// IsPermanent 永久拒绝类错误：不值得重试
func IsPermanent(err error) bool {
	return errors.Is(err, ErrWriteRejected)
}
