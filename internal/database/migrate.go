package database

import (
	"tourapi/internal/models"
	"tourapi/pkg/logger"

	"gorm.io/gorm"
)

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		// 批发商与映射
		&models.Wholesaler{},
		&models.WholesalerApiConfig{},
		&models.MappingRule{},
		// 同步
		&models.SyncCursor{},
		&models.SyncLog{},
		&models.SyncErrorLog{},
		// 线路数据
		&models.Tour{},
		&models.Period{},
		&models.Offer{},
		&models.TourItinerary{},
		// 参考数据与设置
		&models.Country{},
		&models.City{},
		&models.Setting{},
	}
}

// Migrate 执行数据库迁移
func Migrate() error {
	return MigrateDB(DB)
}

// MigrateDB 对指定连接执行迁移（测试中用于sqlite）
func MigrateDB(db *gorm.DB) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	if err := db.AutoMigrate(AllModels()...); err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
