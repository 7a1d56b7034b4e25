package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"tourapi/internal/models"
	"tourapi/pkg/crypto"
	"tourapi/pkg/logger"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WholesalerScheduler 批发商配置变化时刷新定时任务
type WholesalerScheduler interface {
	UpdateWholesaler(wholesalerID uint) error
	RemoveWholesaler(wholesalerID uint)
}

// WholesalerService 批发商与接口配置服务
type WholesalerService struct {
	db        *gorm.DB
	cipher    *crypto.Cipher
	adapters  AdapterProvider
	scheduler WholesalerScheduler
}

// NewWholesalerService 创建批发商服务
func NewWholesalerService(db *gorm.DB, cipher *crypto.Cipher, adapters AdapterProvider) *WholesalerService {
	s := &WholesalerService{db: db, cipher: cipher, adapters: adapters}
	// 自动获取全局调度器
	if scheduler := GetTourSyncScheduler(); scheduler != nil {
		s.scheduler = scheduler
	}
	return s
}

// SetScheduler 设置调度器
func (s *WholesalerService) SetScheduler(scheduler WholesalerScheduler) {
	s.scheduler = scheduler
}

// WholesalerConfigRequest 接口与同步策略配置
type WholesalerConfigRequest struct {
	BaseURL            string `json:"base_url" binding:"required,url"`
	AuthType           string `json:"auth_type" binding:"omitempty,oneof=none bearer apikey basic"`
	AuthHeader         string `json:"auth_header"`
	AuthToken          string `json:"auth_token"` // 更新时为空表示保持不变
	TimeoutSeconds     int    `json:"timeout_seconds" binding:"omitempty,min=1,max=600"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" binding:"omitempty,min=0"`

	ToursEndpoint  string `json:"tours_endpoint" binding:"required"`
	ToursDataPath  string `json:"tours_data_path"`
	PaginationType string `json:"pagination_type" binding:"omitempty,oneof=none page offset cursor"`
	PageParam      string `json:"page_param"`
	LimitParam     string `json:"limit_param"`
	NextCursorPath string `json:"next_cursor_path"`
	HasMorePath    string `json:"has_more_path"`

	SyncMode                    string `json:"sync_mode" binding:"omitempty,oneof=single two_phase"`
	PeriodsPath                 string `json:"periods_path"`
	PeriodsEndpointTemplate     string `json:"periods_endpoint_template"`
	PeriodsDataPath             string `json:"periods_data_path"`
	ItinerariesPath             string `json:"itineraries_path"`
	ItinerariesEndpointTemplate string `json:"itineraries_endpoint_template"`
	ItinerariesDataPath         string `json:"itineraries_data_path"`

	AckEnabled  bool   `json:"ack_enabled"`
	AckEndpoint string `json:"ack_endpoint"`

	SyncEnabled             *bool  `json:"sync_enabled"`
	IncrementalCron         string `json:"incremental_cron"`
	FullSyncCron            string `json:"full_sync_cron"`
	HeartbeatTimeoutMinutes int    `json:"heartbeat_timeout_minutes" binding:"omitempty,min=1"`
	ChunkSize               int    `json:"chunk_size" binding:"omitempty,min=1,max=1000"`

	RespectManualOverrides *bool          `json:"respect_manual_overrides"`
	AlwaysSyncFields       []string       `json:"always_sync_fields"`
	NeverSyncFields        []string       `json:"never_sync_fields"`
	SkipPastPeriods        *bool          `json:"skip_past_periods"`
	SkipDisabledTours      *bool          `json:"skip_disabled_tours"`
	AggregationConfig      datatypes.JSON `json:"aggregation_config"`
}

// CreateWholesalerRequest 创建批发商请求
type CreateWholesalerRequest struct {
	Code        string                   `json:"code" binding:"required,max=50"`
	Name        string                   `json:"name" binding:"required,max=200"`
	Description string                   `json:"description"`
	Config      *WholesalerConfigRequest `json:"config"`
}

// UpdateWholesalerRequest 更新批发商请求，Config 不为空时整体替换配置
type UpdateWholesalerRequest struct {
	Name        *string                  `json:"name" binding:"omitempty,max=200"`
	Description *string                  `json:"description"`
	Config      *WholesalerConfigRequest `json:"config"`
}

// TestConnectionResult 连接测试结果
type TestConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Create 创建批发商（可同时创建接口配置）
func (s *WholesalerService) Create(ctx context.Context, req CreateWholesalerRequest) (*models.Wholesaler, error) {
	code := strings.TrimSpace(req.Code)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Wholesaler{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrWholesalerExists
	}

	wholesaler := &models.Wholesaler{
		Code:        code,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}

	var config *models.WholesalerApiConfig
	if req.Config != nil {
		var err error
		if config, err = s.buildConfig(req.Config, nil); err != nil {
			return nil, err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(wholesaler).Error; err != nil {
			return err
		}
		if config == nil {
			return nil
		}
		config.WholesalerID = wholesaler.ID
		return saveConfig(tx, config)
	})
	if err != nil {
		return nil, fmt.Errorf("创建批发商失败: %v", err)
	}
	wholesaler.Config = config

	s.refreshSchedule(wholesaler.ID)
	return wholesaler, nil
}

// Update 更新批发商
func (s *WholesalerService) Update(ctx context.Context, id uint, req UpdateWholesalerRequest) (*models.Wholesaler, error) {
	wholesaler, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}

	var config *models.WholesalerApiConfig
	if req.Config != nil {
		if config, err = s.buildConfig(req.Config, wholesaler.Config); err != nil {
			return nil, err
		}
		config.WholesalerID = id
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(wholesaler).Updates(updates).Error; err != nil {
				return err
			}
		}
		if config != nil {
			return saveConfig(tx, config)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("更新批发商失败: %v", err)
	}

	s.refreshSchedule(id)
	return s.Get(ctx, id)
}

// Delete 删除批发商及其映射、游标、同步记录与配置，已同步的线路保留
func (s *WholesalerService) Delete(ctx context.Context, id uint) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	var running int64
	s.db.WithContext(ctx).Model(&models.SyncLog{}).
		Where("wholesaler_id = ? AND status = ?", id, models.SyncStatusRunning).Count(&running)
	if running > 0 {
		return ErrSyncAlreadyRunning
	}

	if s.scheduler != nil {
		s.scheduler.RemoveWholesaler(id)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&models.MappingRule{}, &models.SyncCursor{}, &models.SyncErrorLog{}, &models.SyncLog{}, &models.WholesalerApiConfig{},
		} {
			if err := tx.Where("wholesaler_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Wholesaler{}, id).Error
	})
}

// Get 批发商详情（含配置）
func (s *WholesalerService) Get(ctx context.Context, id uint) (*models.Wholesaler, error) {
	var wholesaler models.Wholesaler
	if err := s.db.WithContext(ctx).Preload("Config").First(&wholesaler, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWholesalerNotFound
		}
		return nil, err
	}
	return &wholesaler, nil
}

// List 批发商列表
func (s *WholesalerService) List(ctx context.Context, keyword string, offset, limit int) ([]models.Wholesaler, int64, error) {
	var wholesalers []models.Wholesaler
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Wholesaler{})
	if keyword != "" {
		like := "%" + keyword + "%"
		query = query.Where("code LIKE ? OR name LIKE ?", like, like)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Preload("Config").Offset(offset).Limit(limit).Order("id ASC").Find(&wholesalers).Error; err != nil {
		return nil, 0, err
	}
	return wholesalers, total, nil
}

// Enable 启用批发商及其同步
func (s *WholesalerService) Enable(ctx context.Context, id uint) error {
	return s.setEnabled(ctx, id, true)
}

// Disable 停用批发商同步，进行中的同步不受影响
func (s *WholesalerService) Disable(ctx context.Context, id uint) error {
	return s.setEnabled(ctx, id, false)
}

func (s *WholesalerService) setEnabled(ctx context.Context, id uint, enabled bool) error {
	wholesaler, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(wholesaler).Update("is_active", enabled).Error; err != nil {
			return err
		}
		if wholesaler.Config == nil {
			return nil
		}
		updates := map[string]interface{}{"sync_enabled": enabled}
		if enabled {
			updates["status"] = "active"
			updates["error_message"] = ""
		}
		return tx.Model(wholesaler.Config).Updates(updates).Error
	})
	if err != nil {
		return err
	}
	s.refreshSchedule(id)
	return nil
}

// TestConnection 测试批发商接口连通性
func (s *WholesalerService) TestConnection(ctx context.Context, id uint) (*TestConnectionResult, error) {
	wholesaler, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wholesaler.Config == nil {
		return nil, ErrConfigNotFound
	}

	result := &TestConnectionResult{}
	adapter, err := s.adapters.Build(wholesaler, wholesaler.Config)
	if err != nil {
		result.Message = err.Error()
		return result, nil
	}

	if pinger, ok := adapter.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			result.Message = fmt.Sprintf("连接失败: %v", err)
			return result, nil
		}
	} else {
		page := adapter.FetchTours(ctx, FetchRequest{Limit: 1})
		if !page.Success {
			result.Message = fmt.Sprintf("连接失败: %s", page.ErrorMessage)
			return result, nil
		}
	}

	result.Success = true
	result.Message = "连接成功"
	return result, nil
}

// buildConfig 校验请求并生成配置，existing 不为空时沿用其ID与令牌
func (s *WholesalerService) buildConfig(req *WholesalerConfigRequest, existing *models.WholesalerApiConfig) (*models.WholesalerApiConfig, error) {
	if err := ValidateCron(req.IncrementalCron); err != nil {
		return nil, err
	}
	if err := ValidateCron(req.FullSyncCron); err != nil {
		return nil, err
	}

	config := &models.WholesalerApiConfig{
		BaseURL:                     strings.TrimRight(req.BaseURL, "/"),
		AuthType:                    stringOr(req.AuthType, models.AuthNone),
		AuthHeader:                  req.AuthHeader,
		TimeoutSeconds:              intOr(req.TimeoutSeconds, 30),
		RateLimitPerMinute:          req.RateLimitPerMinute,
		ToursEndpoint:               req.ToursEndpoint,
		ToursDataPath:               req.ToursDataPath,
		PaginationType:              stringOr(req.PaginationType, models.PaginationNone),
		PageParam:                   req.PageParam,
		LimitParam:                  req.LimitParam,
		NextCursorPath:              req.NextCursorPath,
		HasMorePath:                 req.HasMorePath,
		SyncMode:                    stringOr(req.SyncMode, models.SyncModeSingle),
		PeriodsPath:                 req.PeriodsPath,
		PeriodsEndpointTemplate:     req.PeriodsEndpointTemplate,
		PeriodsDataPath:             req.PeriodsDataPath,
		ItinerariesPath:             req.ItinerariesPath,
		ItinerariesEndpointTemplate: req.ItinerariesEndpointTemplate,
		ItinerariesDataPath:         req.ItinerariesDataPath,
		AckEnabled:                  req.AckEnabled,
		AckEndpoint:                 req.AckEndpoint,
		SyncEnabled:                 boolOr(req.SyncEnabled, true),
		IncrementalCron:             req.IncrementalCron,
		FullSyncCron:                req.FullSyncCron,
		HeartbeatTimeoutMinutes:     intOr(req.HeartbeatTimeoutMinutes, models.DefaultHeartbeatTimeoutMinutes),
		ChunkSize:                   intOr(req.ChunkSize, 50),
		RespectManualOverrides:      boolOr(req.RespectManualOverrides, true),
		AlwaysSyncFields:            models.StringArray(req.AlwaysSyncFields),
		NeverSyncFields:             models.StringArray(req.NeverSyncFields),
		SkipPastPeriods:             boolOr(req.SkipPastPeriods, true),
		SkipDisabledTours:           boolOr(req.SkipDisabledTours, true),
		AggregationConfig:           req.AggregationConfig,
		Status:                      "active",
	}

	if config.SyncMode == models.SyncModeTwoPhase && config.PeriodsEndpointTemplate == "" {
		return nil, fmt.Errorf("%w: two_phase 模式必须配置 periods_endpoint_template", ErrInvalidConfig)
	}
	if config.PaginationType == models.PaginationCursor && config.NextCursorPath == "" {
		return nil, fmt.Errorf("%w: cursor 分页必须配置 next_cursor_path", ErrInvalidConfig)
	}
	if config.AckEnabled && config.AckEndpoint == "" {
		return nil, fmt.Errorf("%w: 启用回执时必须配置 ack_endpoint", ErrInvalidConfig)
	}
	aggregation, err := config.Aggregation()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for field, method := range aggregation.Methods {
		if !isAggregateField(field) || !isAggregationMethod(method) {
			return nil, fmt.Errorf("%w: 聚合方式 %s=%s 无效", ErrInvalidConfig, field, method)
		}
	}

	if existing != nil {
		config.ID = existing.ID
		config.AuthToken = existing.AuthToken
		config.LastSyncAt = existing.LastSyncAt
		config.CreatedAt = existing.CreatedAt
	}
	if req.AuthToken != "" {
		encrypted, err := s.cipher.Encrypt(req.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("加密认证令牌失败: %v", err)
		}
		config.AuthToken = encrypted
	}
	return config, nil
}

// saveConfig 保存配置，布尔字段显式写入以免零值被默认值替换
func saveConfig(tx *gorm.DB, config *models.WholesalerApiConfig) error {
	if config.ID == 0 {
		if err := tx.Create(config).Error; err != nil {
			return err
		}
	} else if err := tx.Save(config).Error; err != nil {
		return err
	}
	return tx.Model(config).
		Select("ack_enabled", "sync_enabled", "respect_manual_overrides", "skip_past_periods", "skip_disabled_tours").
		Updates(config).Error
}

func (s *WholesalerService) refreshSchedule(id uint) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.UpdateWholesaler(id); err != nil {
		logger.GetLogger().WithError(err).Errorf("刷新批发商 %d 的调度失败", id)
	}
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func intOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
