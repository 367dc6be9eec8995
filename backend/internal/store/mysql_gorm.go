package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"roomAgent/backend/internal/model"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	// 建表交给 AutoMigrate（房间消息 + 画板笔画）
	if err := db.AutoMigrate(&model.Message{}, &model.Stroke{}); err != nil {
		return nil, err
	}
	return db, nil
}
