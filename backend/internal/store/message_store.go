package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"roomAgent/backend/internal/model"
)

type gormMessageStore struct {
	db *gorm.DB
}

var _ MessageStore = (*gormMessageStore)(nil)

func NewMessageStore(db *gorm.DB) MessageStore {
	return &gormMessageStore{db: db}
}

func (s *gormMessageStore) ListNewest(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *gormMessageStore) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND created_at < ?", roomID, before).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *gormMessageStore) Insert(ctx context.Context, msg *model.Message) error {
	// 服务端时间戳才是排序权威；客户端带的 CreatedAt 只用于乐观展示
	msg.CreatedAt = time.Now()
	err := s.db.WithContext(ctx).Create(msg).Error
	if err != nil {
		// 同幂等键重复写入：说明之前那次其实已经成功，直接当成功
		if IsDuplicate(err) {
			var existing model.Message
			if ferr := s.db.WithContext(ctx).
				Where("room_id = ? AND client_message_id = ?", msg.RoomID, msg.ClientMessageID).
				First(&existing).Error; ferr == nil {
				*msg = existing
			}
			return nil
		}
		return err
	}
	return nil
}

func (s *gormMessageStore) MarkDelivered(ctx context.Context, roomID string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Message{}).
		Where("room_id = ? AND id IN ?", roomID, ids).
		Update("delivered", true).Error
}

func (s *gormMessageStore) MarkSeen(ctx context.Context, roomID string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Message{}).
		Where("room_id = ? AND id IN ?", roomID, ids).
		Updates(map[string]any{"delivered": true, "seen": true}).Error
}

func (s *gormMessageStore) AddReaction(ctx context.Context, messageID uint64, r model.Reaction) error {
	// 读-改-写放在一个事务里做合并写；同 (emoji, userId) 去重
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg model.Message
		if err := tx.Where("id = ?", messageID).First(&msg).Error; err != nil {
			return err
		}
		for _, existing := range msg.Reactions {
			if existing.Emoji == r.Emoji && existing.UserID == r.UserID {
				return nil
			}
		}
		msg.Reactions = append(msg.Reactions, r)
		return tx.Model(&model.Message{}).Where("id = ?", messageID).
			Update("reactions", msg.Reactions).Error
	})
}
