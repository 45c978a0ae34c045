package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"WxPayGateway/internal/model"
	"WxPayGateway/pkg/logger"
)

// Migrate 创建转发记录表与索引
func Migrate() error {
	db := DB()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	logger.Logger.Info("Starting database migration...")

	if err := db.AutoMigrate(&model.DispatchRecord{}); err != nil {
		logger.Logger.Error("Database migration failed", zap.Error(err))
		return err
	}

	logger.Logger.Info("Database migration completed successfully")
	return nil
}
