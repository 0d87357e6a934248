package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"CampusSOS/internal/model"
	"CampusSOS/pkg/logger"
)

// Migrate 创建或更新 sos_alerts 表
func Migrate() error {
	if db == nil {
		return gorm.ErrInvalidDB
	}

	if err := db.AutoMigrate(&model.AlertRecord{}); err != nil {
		logger.Logger.Error("Database migration failed", zap.Error(err))
		return err
	}

	logger.Logger.Debug("Database migration completed", zap.String("table", model.AlertRecord{}.TableName()))
	return nil
}
