package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomAgent/backend/internal/model"
)

type gormStrokeStore struct {
	db *gorm.DB
}

var _ StrokeStore = (*gormStrokeStore)(nil)

func NewStrokeStore(db *gorm.DB) StrokeStore {
	return &gormStrokeStore{db: db}
}

func (s *gormStrokeStore) SaveStrokes(ctx context.Context, strokes []model.Stroke) error {
	if len(strokes) == 0 {
		return nil
	}
	// 笔画 ID 由客户端生成，重放同一批次要幂等（冲突即忽略）
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(strokes, 50).Error
}

func (s *gormStrokeStore) ListRecent(ctx context.Context, sheetID string, limit int) ([]model.Stroke, error) {
	var desc []model.Stroke
	err := s.db.WithContext(ctx).
		Where("sheet_id = ?", sheetID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&desc).Error
	if err != nil {
		return nil, err
	}
	// 倒序取最近 N 条，再翻回升序给渲染用
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}
