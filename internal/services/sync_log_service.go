package services

import (
	"context"
	"errors"
	"time"
	"tourapi/internal/models"

	"gorm.io/gorm"
)

// SyncLogService 同步记录、错误记录与游标查询
type SyncLogService struct {
	db *gorm.DB
}

// NewSyncLogService 创建同步记录服务
func NewSyncLogService(db *gorm.DB) *SyncLogService {
	return &SyncLogService{db: db}
}

// SyncLogFilter 同步记录筛选
type SyncLogFilter struct {
	WholesalerID uint
	SyncType     string
	Status       string
}

// SyncErrorFilter 同步错误筛选
type SyncErrorFilter struct {
	WholesalerID uint
	SyncLogID    uint
	ErrorType    string
	Resolved     *bool
}

// ListLogs 同步记录列表，按开始时间倒序
func (s *SyncLogService) ListLogs(ctx context.Context, filter SyncLogFilter, offset, limit int) ([]models.SyncLog, int64, error) {
	var logs []models.SyncLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SyncLog{})
	if filter.WholesalerID > 0 {
		query = query.Where("wholesaler_id = ?", filter.WholesalerID)
	}
	if filter.SyncType != "" {
		query = query.Where("sync_type = ?", filter.SyncType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Preload("Wholesaler").Offset(offset).Limit(limit).Order("started_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// GetLog 同步记录详情
func (s *SyncLogService) GetLog(ctx context.Context, id uint) (*models.SyncLog, error) {
	var syncLog models.SyncLog
	if err := s.db.WithContext(ctx).Preload("Wholesaler").First(&syncLog, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, err
	}
	return &syncLog, nil
}

// GetLogBySyncID 按 sync_id 查找同步记录
func (s *SyncLogService) GetLogBySyncID(ctx context.Context, syncID string) (*models.SyncLog, error) {
	var syncLog models.SyncLog
	if err := s.db.WithContext(ctx).Where("sync_id = ?", syncID).First(&syncLog).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, err
	}
	return &syncLog, nil
}

// ListErrors 同步错误列表
func (s *SyncLogService) ListErrors(ctx context.Context, filter SyncErrorFilter, offset, limit int) ([]models.SyncErrorLog, int64, error) {
	var errorLogs []models.SyncErrorLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SyncErrorLog{})
	if filter.WholesalerID > 0 {
		query = query.Where("wholesaler_id = ?", filter.WholesalerID)
	}
	if filter.SyncLogID > 0 {
		query = query.Where("sync_log_id = ?", filter.SyncLogID)
	}
	if filter.ErrorType != "" {
		query = query.Where("error_type = ?", filter.ErrorType)
	}
	if filter.Resolved != nil {
		query = query.Where("is_resolved = ?", *filter.Resolved)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Offset(offset).Limit(limit).Order("id DESC").Find(&errorLogs).Error; err != nil {
		return nil, 0, err
	}
	return errorLogs, total, nil
}

// ResolveError 标记错误已处理
func (s *SyncLogService) ResolveError(ctx context.Context, id uint, note string) (*models.SyncErrorLog, error) {
	var errorLog models.SyncErrorLog
	if err := s.db.WithContext(ctx).First(&errorLog, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrErrorLogNotFound
		}
		return nil, err
	}

	now := time.Now()
	err := s.db.WithContext(ctx).Model(&errorLog).Updates(map[string]interface{}{
		"is_resolved":     true,
		"resolved_at":     &now,
		"resolution_note": note,
	}).Error
	if err != nil {
		return nil, err
	}
	errorLog.IsResolved = true
	errorLog.ResolvedAt = &now
	errorLog.ResolutionNote = note
	return &errorLog, nil
}

// ListCursors 批发商的同步游标
func (s *SyncLogService) ListCursors(ctx context.Context, wholesalerID uint) ([]models.SyncCursor, error) {
	var cursors []models.SyncCursor
	err := s.db.WithContext(ctx).Where("wholesaler_id = ?", wholesalerID).Order("sync_type ASC").Find(&cursors).Error
	return cursors, err
}

// ResetCursor 清空游标，下次同步从头开始
func (s *SyncLogService) ResetCursor(ctx context.Context, wholesalerID uint, syncType string) error {
	if syncType != models.SyncTypeIncremental && syncType != models.SyncTypeFull {
		return ErrInvalidSyncType
	}
	return s.db.WithContext(ctx).Model(&models.SyncCursor{}).
		Where("wholesaler_id = ? AND sync_type = ?", wholesalerID, syncType).
		Updates(map[string]interface{}{
			"cursor_value":     "",
			"total_received":   0,
			"last_batch_count": 0,
		}).Error
}
