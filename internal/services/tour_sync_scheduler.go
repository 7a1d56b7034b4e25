package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"
	"tourapi/pkg/queue"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// SyncJobQueue 同步任务入队
type SyncJobQueue interface {
	Enqueue(ctx context.Context, job queue.SyncJob) error
}

// scheduledEntries 一个批发商的定时任务
type scheduledEntries struct {
	incremental cron.EntryID
	full        cron.EntryID
}

// TourSyncScheduler 线路同步调度器
// 定时任务只负责入队，由 SyncWorkerPool 执行
type TourSyncScheduler struct {
	db         *gorm.DB
	cron       *cron.Cron
	queue      SyncJobQueue
	cleanup    *SyncCleanupService
	sweepSpec  string
	jobMap     map[uint]scheduledEntries // wholesalerID -> cron 任务
	sweepEntry cron.EntryID
	mu         sync.RWMutex
	running    bool
}

// NewTourSyncScheduler 创建线路同步调度器
func NewTourSyncScheduler(db *gorm.DB, jobQueue SyncJobQueue, cleanup *SyncCleanupService, sweepSpec string) *TourSyncScheduler {
	return &TourSyncScheduler{
		db:        db,
		cron:      cron.New(),
		queue:     jobQueue,
		cleanup:   cleanup,
		sweepSpec: sweepSpec,
		jobMap:    make(map[uint]scheduledEntries),
	}
}

// ValidateCron 校验标准5段cron表达式，空表达式视为不调度
func ValidateCron(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %s (%v)", ErrInvalidCron, spec, err)
	}
	return nil
}

// Start 启动调度器
func (s *TourSyncScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	log := logger.GetLogger()
	log.Info("启动线路同步调度器")

	var wholesalers []models.Wholesaler
	if err := s.db.Preload("Config").Where("is_active = ?", true).Find(&wholesalers).Error; err != nil {
		return fmt.Errorf("查询批发商失败: %v", err)
	}

	for i := range wholesalers {
		if err := s.scheduleWholesaler(&wholesalers[i]); err != nil {
			log.WithError(err).Errorf("调度批发商 %s 失败", wholesalers[i].Code)
		}
	}

	if s.cleanup != nil && s.sweepSpec != "" {
		entryID, err := s.cron.AddFunc(s.sweepSpec, func() {
			if _, err := s.cleanup.CancelStuckRuns(context.Background()); err != nil {
				logger.GetLogger().WithError(err).Error("清理卡住的同步失败")
			}
		})
		if err != nil {
			return fmt.Errorf("创建卡住任务清理计划失败: %v", err)
		}
		s.sweepEntry = entryID
	}

	s.cron.Start()
	s.running = true

	log.Infof("线路同步调度器启动成功，已加载 %d 个批发商", len(s.jobMap))
	return nil
}

// Stop 停止调度器
func (s *TourSyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	logger.GetLogger().Info("停止线路同步调度器")

	ctx := s.cron.Stop()
	<-ctx.Done()

	for _, entry := range s.cron.Entries() {
		s.cron.Remove(entry.ID)
	}
	s.running = false
	s.jobMap = make(map[uint]scheduledEntries)
}

// UpdateWholesaler 重新加载批发商的定时任务，停用或关闭同步时仅移除
func (s *TourSyncScheduler) UpdateWholesaler(wholesalerID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(wholesalerID)

	var wholesaler models.Wholesaler
	if err := s.db.Preload("Config").First(&wholesaler, wholesalerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("获取批发商失败: %v", err)
	}
	return s.scheduleWholesaler(&wholesaler)
}

// RemoveWholesaler 移除批发商的定时任务
func (s *TourSyncScheduler) RemoveWholesaler(wholesalerID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(wholesalerID)
}

func (s *TourSyncScheduler) removeLocked(wholesalerID uint) {
	entries, exists := s.jobMap[wholesalerID]
	if !exists {
		return
	}
	if entries.incremental != 0 {
		s.cron.Remove(entries.incremental)
	}
	if entries.full != 0 {
		s.cron.Remove(entries.full)
	}
	delete(s.jobMap, wholesalerID)
	logger.GetLogger().Infof("移除批发商 %d 的同步任务", wholesalerID)
}

// TriggerSync 手动触发同步（入队）
func (s *TourSyncScheduler) TriggerSync(ctx context.Context, wholesalerID uint, syncType string) (string, error) {
	if syncType != models.SyncTypeIncremental && syncType != models.SyncTypeFull {
		return "", ErrInvalidSyncType
	}
	var wholesaler models.Wholesaler
	if err := s.db.WithContext(ctx).Preload("Config").First(&wholesaler, wholesalerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrWholesalerNotFound
		}
		return "", err
	}
	if wholesaler.Config == nil {
		return "", ErrConfigNotFound
	}
	if !wholesaler.IsActive || !wholesaler.Config.SyncEnabled {
		return "", ErrSyncDisabled
	}

	logger.GetLogger().Infof("手动触发批发商 %s 的%s同步", wholesaler.Code, syncType)
	return s.enqueue(ctx, wholesalerID, syncType, "manual")
}

func (s *TourSyncScheduler) enqueue(ctx context.Context, wholesalerID uint, syncType, triggeredBy string) (string, error) {
	job := queue.SyncJob{
		JobID:        uuid.New().String(),
		WholesalerID: wholesalerID,
		SyncType:     syncType,
		TriggeredBy:  triggeredBy,
		Created:      time.Now().Unix(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrJobPending) {
			return "", ErrSyncAlreadyRunning
		}
		return "", err
	}
	return job.JobID, nil
}

// scheduleWholesaler 为批发商创建增量与全量定时任务，调用方持有锁
func (s *TourSyncScheduler) scheduleWholesaler(wholesaler *models.Wholesaler) error {
	config := wholesaler.Config
	if config == nil || !wholesaler.IsActive || !config.SyncEnabled {
		return nil
	}

	var entries scheduledEntries
	add := func(spec, syncType string) (cron.EntryID, error) {
		if spec == "" {
			return 0, nil
		}
		if err := ValidateCron(spec); err != nil {
			return 0, err
		}
		wholesalerID := wholesaler.ID
		code := wholesaler.Code
		return s.cron.AddFunc(spec, func() {
			log := logger.GetLogger()
			if _, err := s.enqueue(context.Background(), wholesalerID, syncType, "schedule"); err != nil {
				if errors.Is(err, ErrSyncAlreadyRunning) {
					log.Debugf("批发商 %s 的%s同步已在队列中，跳过", code, syncType)
					return
				}
				log.WithError(err).Errorf("批发商 %s 同步入队失败", code)
			}
		})
	}

	var err error
	if entries.incremental, err = add(config.IncrementalCron, models.SyncTypeIncremental); err != nil {
		return fmt.Errorf("创建增量同步任务失败: %v", err)
	}
	if entries.full, err = add(config.FullSyncCron, models.SyncTypeFull); err != nil {
		if entries.incremental != 0 {
			s.cron.Remove(entries.incremental)
		}
		return fmt.Errorf("创建全量同步任务失败: %v", err)
	}
	if entries.incremental == 0 && entries.full == 0 {
		return nil
	}

	s.jobMap[wholesaler.ID] = entries
	logger.GetLogger().Infof("已为批发商 %s 创建同步任务，增量: %q 全量: %q", wholesaler.Code, config.IncrementalCron, config.FullSyncCron)
	return nil
}

// GetScheduledWholesalers 已调度的批发商
func (s *TourSyncScheduler) GetScheduledWholesalers() []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint, 0, len(s.jobMap))
	for id := range s.jobMap {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning 调度器是否运行中
func (s *TourSyncScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
