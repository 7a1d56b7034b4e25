package main

import (
	"fmt"

	"tourapi/internal/database"
	"tourapi/internal/models"
	"tourapi/internal/services"
	"tourapi/pkg/logger"

	"github.com/spf13/cast"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// seedData 初始化种子数据
func seedData() error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting seed data initialization...")

	db := database.GetDB()

	// 1. 默认全局设置
	if err := seedSettings(db); err != nil {
		return fmt.Errorf("初始化全局设置失败: %v", err)
	}

	// 2. 常用目的地国家
	if err := seedCountries(db); err != nil {
		return fmt.Errorf("初始化国家数据失败: %v", err)
	}

	appLogger.Info("Seed data initialization completed successfully")
	return nil
}

// seedSettings 写入默认设置，已存在的键保持不变
func seedSettings(db *gorm.DB) error {
	settings := []models.Setting{
		{Key: services.SettingFireSaleMinPercent, Value: cast.ToString(services.DefaultFireSaleMinPercent), Description: "折扣百分比达到该值视为 fire_sale"},
		{Key: services.SettingNormalPromoMinPercent, Value: cast.ToString(services.DefaultNormalPromoMinPercent), Description: "折扣百分比达到该值视为普通促销"},
		{Key: services.SettingAggregationPrefix + services.AggFieldPriceAdult, Value: services.AggMin, Description: "线路成人价取团期的方式"},
		{Key: services.SettingAggregationPrefix + services.AggFieldDiscountAdult, Value: services.AggMax, Description: "线路折扣取团期的方式"},
		{Key: services.SettingAggregationPrefix + services.AggFieldDisplayPrice, Value: services.AggMin, Description: "展示价取团期的方式"},
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&settings).Error
}

// seedCountries 写入常用国家
func seedCountries(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Country{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		logger.GetLogger().Info("国家数据已存在，跳过创建")
		return nil
	}

	countries := []models.Country{
		{ISO2: "TH", ISO3: "THA", NameEn: "Thailand", NameTh: "ไทย"},
		{ISO2: "JP", ISO3: "JPN", NameEn: "Japan", NameTh: "ญี่ปุ่น", Aliases: models.StringArray{"JAPAN", "ญี่ปุ่น"}},
		{ISO2: "KR", ISO3: "KOR", NameEn: "South Korea", NameTh: "เกาหลีใต้", Aliases: models.StringArray{"Korea", "เกาหลี"}},
		{ISO2: "CN", ISO3: "CHN", NameEn: "China", NameTh: "จีน"},
		{ISO2: "TW", ISO3: "TWN", NameEn: "Taiwan", NameTh: "ไต้หวัน"},
		{ISO2: "HK", ISO3: "HKG", NameEn: "Hong Kong", NameTh: "ฮ่องกง"},
		{ISO2: "VN", ISO3: "VNM", NameEn: "Vietnam", NameTh: "เวียดนาม", Aliases: models.StringArray{"Viet Nam"}},
		{ISO2: "SG", ISO3: "SGP", NameEn: "Singapore", NameTh: "สิงคโปร์"},
		{ISO2: "FR", ISO3: "FRA", NameEn: "France", NameTh: "ฝรั่งเศส"},
		{ISO2: "CH", ISO3: "CHE", NameEn: "Switzerland", NameTh: "สวิตเซอร์แลนด์"},
	}
	return db.Create(&countries).Error
}
