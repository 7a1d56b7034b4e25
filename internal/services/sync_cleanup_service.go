package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"

	"gorm.io/gorm"
)

// SyncCleanupService 同步任务清理服务
type SyncCleanupService struct {
	db   *gorm.DB
	repo *TourRepository
	now  func() time.Time
}

// NewSyncCleanupService 创建同步清理服务
func NewSyncCleanupService(db *gorm.DB) *SyncCleanupService {
	return &SyncCleanupService{
		db:   db,
		repo: NewTourRepository(db),
		now:  time.Now,
	}
}

// CancelStuckRuns 将心跳超时的运行中同步标记为失败
// 心跳超时定义：最后心跳（没有则为开始时间）距今超过同步记录上的超时分钟数
func (s *SyncCleanupService) CancelStuckRuns(ctx context.Context) (int, error) {
	log := logger.GetLogger()

	running, err := s.repo.AllRunningSyncLogs(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询运行中的同步失败: %v", err)
	}

	now := s.now()
	cancelled := 0
	for i := range running {
		syncLog := &running[i]
		if !syncLog.HeartbeatExpired(now) {
			continue
		}
		reason := fmt.Sprintf("心跳超时（超过 %d 分钟无心跳）", heartbeatMinutes(syncLog))
		if err := markRunCancelled(s.db.WithContext(ctx), syncLog, now, reason); err != nil {
			log.WithError(err).Errorf("标记卡住的同步 %s 失败", syncLog.SyncID)
			continue
		}
		cancelled++
		log.Warnf("同步 %s (批发商 %d) %s，已标记为失败", syncLog.SyncID, syncLog.WholesalerID, reason)
	}

	if cancelled > 0 {
		log.Infof("清理了 %d 个卡住的同步任务", cancelled)
	}
	return cancelled, nil
}

// CancelSync 请求取消一次同步，运行中的任务在下一批次开始前退出
func (s *SyncCleanupService) CancelSync(ctx context.Context, syncLogID uint, reason string) (*models.SyncLog, error) {
	var syncLog models.SyncLog
	if err := s.db.WithContext(ctx).First(&syncLog, syncLogID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyncLogNotFound
		}
		return nil, err
	}
	if syncLog.Status != models.SyncStatusRunning {
		return nil, ErrSyncNotRunning
	}
	if reason == "" {
		reason = "手动取消"
	}

	// 心跳已超时说明执行者不存在，直接标记
	if syncLog.HeartbeatExpired(s.now()) {
		if err := markRunCancelled(s.db.WithContext(ctx), &syncLog, s.now(), reason); err != nil {
			return nil, fmt.Errorf("取消同步失败: %v", err)
		}
		return &syncLog, nil
	}

	err := s.db.WithContext(ctx).Model(&syncLog).Updates(map[string]interface{}{
		"cancel_requested": true,
		"cancel_reason":    reason,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("取消同步失败: %v", err)
	}
	syncLog.CancelRequested = true
	syncLog.CancelReason = reason
	return &syncLog, nil
}

func heartbeatMinutes(syncLog *models.SyncLog) int {
	if syncLog.HeartbeatTimeoutMinutes > 0 {
		return syncLog.HeartbeatTimeoutMinutes
	}
	return models.DefaultHeartbeatTimeoutMinutes
}
