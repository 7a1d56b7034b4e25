package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"tourapi/internal/models"

	"github.com/spf13/cast"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 全局设置键
const (
	SettingAggregationPrefix     = "aggregation."           // aggregation.<字段> = min/max/avg/first/last
	SettingFireSaleMinPercent    = "promotion.fire_sale_min_percent"
	SettingNormalPromoMinPercent = "promotion.normal_promo_min_percent"
)

// SettingsProvider 全局设置读取
type SettingsProvider interface {
	All(ctx context.Context) (map[string]string, error)
}

// SettingsService 全局设置服务
type SettingsService struct {
	db *gorm.DB
}

// NewSettingsService 创建设置服务
func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{db: db}
}

// All 全部设置
func (s *SettingsService) All(ctx context.Context) (map[string]string, error) {
	var settings []models.Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}
	result := make(map[string]string, len(settings))
	for _, setting := range settings {
		result[setting.Key] = setting.Value
	}
	return result, nil
}

// List 设置列表
func (s *SettingsService) List(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	err := s.db.WithContext(ctx).Order("key ASC").Find(&settings).Error
	return settings, err
}

// Get 读取单个设置
func (s *SettingsService) Get(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	return &setting, err
}

// Set 写入设置，已存在则覆盖
func (s *SettingsService) Set(ctx context.Context, key, value, description string) error {
	if err := validateSetting(key, value); err != nil {
		return err
	}
	setting := models.Setting{Key: key, Value: value, Description: description}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(&setting).Error
}

// validateSetting 校验聚合相关设置的取值
func validateSetting(key, value string) error {
	switch {
	case key == SettingFireSaleMinPercent || key == SettingNormalPromoMinPercent:
		pct, err := cast.ToFloat64E(value)
		if err != nil || pct < 0 || pct > 100 {
			return fmt.Errorf("%w: %s 必须是 0-100 的数字", ErrInvalidConfig, key)
		}
	case strings.HasPrefix(key, SettingAggregationPrefix):
		field := strings.TrimPrefix(key, SettingAggregationPrefix)
		if !isAggregateField(field) {
			return fmt.Errorf("%w: 未知的聚合字段 %s", ErrInvalidConfig, field)
		}
		if !isAggregationMethod(value) {
			return fmt.Errorf("%w: 未知的聚合方式 %s", ErrInvalidConfig, value)
		}
	}
	return nil
}
