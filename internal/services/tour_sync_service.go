package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"
	"tourapi/pkg/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProgressPublisher 同步进度推送
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, syncID string, data []byte) error
}

// TourSyncOptions 同步服务参数
type TourSyncOptions struct {
	DefaultChunkSize        int
	DefaultHeartbeatTimeout int // 分钟
	MaxChunksPerRun         int
}

// TourSyncService 线路同步服务
type TourSyncService struct {
	db          *gorm.DB
	repo        *TourRepository
	adapters    AdapterProvider
	lookup      ReferenceLookup
	aggregation *AggregationService
	progress    ProgressPublisher
	options     TourSyncOptions
	now         func() time.Time

	mu      sync.Mutex
	running map[uint]bool // 本进程内正在同步的批发商
}

// NewTourSyncService 创建线路同步服务
func NewTourSyncService(db *gorm.DB, adapters AdapterProvider, lookup ReferenceLookup, aggregation *AggregationService, options TourSyncOptions) *TourSyncService {
	if options.DefaultChunkSize <= 0 {
		options.DefaultChunkSize = 50
	}
	if options.DefaultHeartbeatTimeout <= 0 {
		options.DefaultHeartbeatTimeout = 30
	}
	if options.MaxChunksPerRun <= 0 {
		options.MaxChunksPerRun = 10000
	}
	return &TourSyncService{
		db:          db,
		repo:        NewTourRepository(db),
		adapters:    adapters,
		lookup:      lookup,
		aggregation: aggregation,
		options:     options,
		now:         time.Now,
		running:     make(map[uint]bool),
	}
}

// SetProgressPublisher 设置进度推送
func (s *TourSyncService) SetProgressPublisher(p ProgressPublisher) {
	s.progress = p
}

// syncRun 一次同步运行的上下文
type syncRun struct {
	wholesaler  *models.Wholesaler
	config      *models.WholesalerApiConfig
	log         *models.SyncLog
	policy      models.SyncPolicy
	transformer *DataTransformer
	adapter     SourceAdapter
	today       time.Time
	entry       *logrus.Entry
	touched     map[uint]bool // 本批次涉及的线路
}

// RunSync 为一个批发商执行一次同步
func (s *TourSyncService) RunSync(ctx context.Context, wholesalerID uint, syncType, triggeredBy string) (*models.SyncLog, error) {
	if syncType != models.SyncTypeIncremental && syncType != models.SyncTypeFull {
		return nil, ErrInvalidSyncType
	}
	if !s.tryLock(wholesalerID) {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.unlock(wholesalerID)

	var wholesaler models.Wholesaler
	if err := s.db.WithContext(ctx).Preload("Config").First(&wholesaler, wholesalerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWholesalerNotFound
		}
		return nil, err
	}
	if wholesaler.Config == nil {
		return nil, ErrConfigNotFound
	}
	if !wholesaler.IsActive || !wholesaler.Config.SyncEnabled {
		return nil, ErrSyncDisabled
	}

	if err := s.guardRunning(ctx, wholesalerID); err != nil {
		return nil, err
	}

	syncLog, err := s.startRun(ctx, &wholesaler, syncType, triggeredBy)
	if err != nil {
		return nil, err
	}

	run := &syncRun{
		wholesaler: &wholesaler,
		config:     wholesaler.Config,
		log:        syncLog,
		entry:      logger.ForSync(wholesalerID, syncLog.SyncID, syncType),
	}

	runErr := s.execute(ctx, run)
	s.finishRun(ctx, run, runErr)
	return run.log, nil
}

// guardRunning 同一批发商已有心跳正常的运行时拒绝启动，心跳超时的运行直接标记失败
func (s *TourSyncService) guardRunning(ctx context.Context, wholesalerID uint) error {
	running, err := s.repo.RunningSyncLogs(ctx, wholesalerID)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range running {
		if !running[i].HeartbeatExpired(now) {
			return ErrSyncAlreadyRunning
		}
		if err := markRunCancelled(s.db.WithContext(ctx), &running[i], now, "心跳超时，被新的同步任务取代"); err != nil {
			return err
		}
	}
	return nil
}

func (s *TourSyncService) startRun(ctx context.Context, wholesaler *models.Wholesaler, syncType, triggeredBy string) (*models.SyncLog, error) {
	now := s.now()
	timeout := wholesaler.Config.HeartbeatTimeoutMinutes
	if timeout <= 0 {
		timeout = s.options.DefaultHeartbeatTimeout
	}
	syncLog := &models.SyncLog{
		SyncID:                  uuid.New().String(),
		WholesalerID:            wholesaler.ID,
		SyncType:                syncType,
		Status:                  models.SyncStatusRunning,
		TriggeredBy:             triggeredBy,
		StartedAt:               now,
		LastHeartbeatAt:         &now,
		HeartbeatTimeoutMinutes: timeout,
	}
	if err := s.db.WithContext(ctx).Create(syncLog).Error; err != nil {
		return nil, fmt.Errorf("创建同步记录失败: %v", err)
	}
	return syncLog, nil
}

// execute 同步主循环，返回运行级错误
func (s *TourSyncService) execute(ctx context.Context, run *syncRun) error {
	log := run.entry

	// 配置在运行开始时解析一次
	run.policy = run.config.Policy()
	if _, err := run.config.Aggregation(); err != nil {
		return err
	}

	var rules []models.MappingRule
	if err := s.db.WithContext(ctx).Where("wholesaler_id = ?", run.wholesaler.ID).Find(&rules).Error; err != nil {
		return fmt.Errorf("读取映射规则失败: %v", err)
	}
	transformer, err := NewDataTransformer(rules, s.lookup)
	if err != nil {
		return err
	}
	if !transformer.HasSection(models.SectionTour) {
		return fmt.Errorf("%w: 未配置线路映射", ErrInvalidRule)
	}
	run.transformer = transformer

	adapter, err := s.adapters.Build(run.wholesaler, run.config)
	if err != nil {
		return fmt.Errorf("创建数据源失败: %v", err)
	}
	run.adapter = adapter

	cursor, err := s.loadCursor(ctx, run)
	if err != nil {
		return err
	}

	chunkSize := run.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.options.DefaultChunkSize
	}

	now := s.now()
	run.today = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	position := cursor.CursorValue

	for chunk := 1; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("同步被中断: %v", err)
		}
		if cancelled, reason := s.cancelRequested(ctx, run.log.ID); cancelled {
			run.log.CancelRequested = true
			run.log.CancelReason = reason
			return fmt.Errorf("同步已取消: %s", reason)
		}
		if chunk > s.options.MaxChunksPerRun {
			log.Warnf("达到单次同步批次上限 %d，剩余数据留待下次同步", s.options.MaxChunksPerRun)
			return nil
		}

		result := run.adapter.FetchTours(ctx, FetchRequest{Cursor: position, Limit: chunkSize})
		if !result.Success {
			return fmt.Errorf("拉取线路失败(第%d批): [%s] %s", chunk, result.ErrorCode, result.ErrorMessage)
		}
		if result.HasMore && result.NextCursor == position {
			return fmt.Errorf("%w: 第%d批返回的游标 %q 与当前相同", ErrCursorNotAdvancing, chunk, position)
		}

		run.touched = make(map[uint]bool)
		for _, raw := range result.Tours {
			s.processTour(ctx, run, raw)
			run.log.ProcessedItems++
		}

		next := result.NextCursor
		if next == "" && run.config.PaginationType == models.PaginationCursor {
			// 变更流没有返回新游标时停在原位，不回退
			next = position
		}

		// 整批处理完才推进游标
		if err := s.advanceCursor(ctx, run, cursor, next, len(result.Tours)); err != nil {
			return err
		}
		position = next

		s.aggregateTouched(ctx, run)

		run.log.CurrentChunk = chunk
		run.log.TotalChunks = chunk
		run.log.TotalItems = run.log.ProcessedItems
		if result.HasMore {
			run.log.TotalChunks = chunk + 1
			run.log.TotalItems = run.log.ProcessedItems + chunkSize
		}
		s.heartbeat(ctx, run)

		log.WithField("chunk", chunk).Debugf("批次完成: %d 条线路", len(result.Tours))

		if !result.HasMore {
			return nil
		}
	}
}

// loadCursor 读取游标，不存在则创建；全量同步先重置
func (s *TourSyncService) loadCursor(ctx context.Context, run *syncRun) (*models.SyncCursor, error) {
	cursor := models.SyncCursor{
		WholesalerID: run.wholesaler.ID,
		SyncType:     run.log.SyncType,
		CursorType:   run.config.PaginationType,
	}
	err := s.db.WithContext(ctx).
		Where("wholesaler_id = ? AND sync_type = ?", run.wholesaler.ID, run.log.SyncType).
		FirstOrCreate(&cursor).Error
	if err != nil {
		return nil, fmt.Errorf("读取同步游标失败: %v", err)
	}

	if run.log.SyncType == models.SyncTypeFull {
		if err := s.db.WithContext(ctx).Model(&cursor).Updates(map[string]interface{}{
			"cursor_value":     "",
			"total_received":   0,
			"last_batch_count": 0,
		}).Error; err != nil {
			return nil, fmt.Errorf("重置同步游标失败: %v", err)
		}
		cursor.CursorValue = ""
		cursor.TotalReceived = 0
	}
	return &cursor, nil
}

func (s *TourSyncService) advanceCursor(ctx context.Context, run *syncRun, cursor *models.SyncCursor, next string, count int) error {
	now := s.now()
	cursor.CursorValue = next
	cursor.TotalReceived += count
	cursor.LastBatchCount = count
	cursor.LastSyncID = run.log.SyncID
	cursor.LastSyncedAt = &now
	err := s.db.WithContext(ctx).Model(cursor).Updates(map[string]interface{}{
		"cursor_value":     cursor.CursorValue,
		"cursor_type":      run.config.PaginationType,
		"total_received":   cursor.TotalReceived,
		"last_batch_count": cursor.LastBatchCount,
		"last_sync_id":     cursor.LastSyncID,
		"last_synced_at":   cursor.LastSyncedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("更新同步游标失败: %v", err)
	}
	return nil
}

func (s *TourSyncService) cancelRequested(ctx context.Context, syncLogID uint) (bool, string) {
	var current models.SyncLog
	if err := s.db.WithContext(ctx).Select("id", "cancel_requested", "cancel_reason").First(&current, syncLogID).Error; err != nil {
		return false, ""
	}
	return current.CancelRequested, current.CancelReason
}

func (s *TourSyncService) aggregateTouched(ctx context.Context, run *syncRun) {
	if s.aggregation == nil || len(run.touched) == 0 {
		return
	}
	ids := make([]uint, 0, len(run.touched))
	for id := range run.touched {
		ids = append(ids, id)
	}
	if failed, err := s.aggregation.RecalculateTours(ctx, ids); err != nil {
		run.entry.WithError(err).Warnf("%d 条线路聚合失败", failed)
	}
}

// heartbeat 刷新心跳与进度
func (s *TourSyncService) heartbeat(ctx context.Context, run *syncRun) {
	now := s.now()
	run.log.LastHeartbeatAt = &now
	if err := s.db.WithContext(ctx).Model(run.log).Updates(progressColumns(run.log)).Error; err != nil {
		run.entry.WithError(err).Warn("更新同步进度失败")
	}
	s.publish(ctx, run.log)
}

func progressColumns(l *models.SyncLog) map[string]interface{} {
	return map[string]interface{}{
		"tours_received":    l.ToursReceived,
		"tours_created":     l.ToursCreated,
		"tours_updated":     l.ToursUpdated,
		"tours_skipped":     l.ToursSkipped,
		"tours_failed":      l.ToursFailed,
		"periods_received":  l.PeriodsReceived,
		"periods_created":   l.PeriodsCreated,
		"periods_updated":   l.PeriodsUpdated,
		"periods_skipped":   l.PeriodsSkipped,
		"periods_failed":    l.PeriodsFailed,
		"error_count":       l.ErrorCount,
		"processed_items":   l.ProcessedItems,
		"total_items":       l.TotalItems,
		"current_chunk":     l.CurrentChunk,
		"total_chunks":      l.TotalChunks,
		"last_heartbeat_at": l.LastHeartbeatAt,
	}
}

func (s *TourSyncService) publish(ctx context.Context, syncLog *models.SyncLog) {
	if s.progress == nil {
		return
	}
	data, err := json.Marshal(syncLog)
	if err != nil {
		return
	}
	if err := s.progress.PublishProgress(ctx, syncLog.SyncID, data); err != nil {
		logger.GetLogger().WithError(err).Debug("推送同步进度失败")
	}
}

// finishRun 写入最终状态、回执与指标
func (s *TourSyncService) finishRun(ctx context.Context, run *syncRun, runErr error) {
	log := run.entry
	now := s.now()
	syncLog := run.log

	switch {
	case runErr != nil:
		syncLog.Status = models.SyncStatusFailed
		syncLog.ErrorMessage = runErr.Error()
		if syncLog.CancelRequested {
			syncLog.CancelledAt = &now
		}
	case syncLog.ErrorCount > 0:
		syncLog.Status = models.SyncStatusPartial
	default:
		syncLog.Status = models.SyncStatusCompleted
	}
	syncLog.CompletedAt = &now
	syncLog.Duration = int(now.Sub(syncLog.StartedAt).Seconds())
	syncLog.LastHeartbeatAt = &now

	// 外部 ctx 可能已取消，收尾写库使用独立上下文
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	// 已被超时清理终止的记录保持终态，不再回执
	var current models.SyncLog
	if err := s.db.WithContext(finishCtx).Select("status").First(&current, syncLog.ID).Error; err == nil &&
		current.Status != models.SyncStatusRunning {
		s.abandonRun(finishCtx, run)
		return
	}

	if runErr == nil {
		s.acknowledge(finishCtx, run)
	}

	columns := progressColumns(syncLog)
	columns["status"] = syncLog.Status
	columns["error_message"] = syncLog.ErrorMessage
	columns["completed_at"] = syncLog.CompletedAt
	columns["duration"] = syncLog.Duration
	columns["cancelled_at"] = syncLog.CancelledAt
	columns["ack_sent"] = syncLog.AckSent
	columns["ack_accepted"] = syncLog.AckAccepted
	columns["ack_message"] = syncLog.AckMessage
	result := s.db.WithContext(finishCtx).Model(syncLog).
		Where("status = ?", models.SyncStatusRunning).Updates(columns)
	if result.Error != nil {
		log.WithError(result.Error).Error("保存同步结果失败")
	} else if result.RowsAffected == 0 {
		s.abandonRun(finishCtx, run)
		return
	}

	configUpdates := map[string]interface{}{"last_sync_at": &now}
	if runErr != nil {
		configUpdates["status"] = "error"
		configUpdates["error_message"] = runErr.Error()
	} else {
		configUpdates["status"] = "active"
		configUpdates["error_message"] = ""
	}
	s.db.WithContext(finishCtx).Model(&models.WholesalerApiConfig{}).
		Where("id = ?", run.config.ID).Updates(configUpdates)

	metrics.SyncRunsTotal.WithLabelValues(run.wholesaler.Code, syncLog.SyncType, syncLog.Status).Inc()
	metrics.SyncRunDuration.WithLabelValues(run.wholesaler.Code, syncLog.SyncType).Observe(now.Sub(syncLog.StartedAt).Seconds())
	s.publish(finishCtx, syncLog)

	if runErr != nil {
		log.WithError(runErr).Errorf("批发商 %s 同步失败", run.wholesaler.Code)
		return
	}
	log.Infof("批发商 %s 同步%s: 线路 收到%d 新建%d 更新%d 跳过%d 失败%d, 团期 收到%d 新建%d 更新%d 跳过%d 失败%d",
		run.wholesaler.Code, syncLog.Status,
		syncLog.ToursReceived, syncLog.ToursCreated, syncLog.ToursUpdated, syncLog.ToursSkipped, syncLog.ToursFailed,
		syncLog.PeriodsReceived, syncLog.PeriodsCreated, syncLog.PeriodsUpdated, syncLog.PeriodsSkipped, syncLog.PeriodsFailed)
}

// abandonRun 运行期间记录已被他处终止，重新读取终态并推送
func (s *TourSyncService) abandonRun(ctx context.Context, run *syncRun) {
	var stored models.SyncLog
	if err := s.db.WithContext(ctx).First(&stored, run.log.ID).Error; err != nil {
		run.entry.WithError(err).Error("读取同步记录失败")
		return
	}
	*run.log = stored
	run.entry.Warnf("批发商 %s 同步记录已被标记为 %s (%s)，丢弃本次结果", run.wholesaler.Code, stored.Status, stored.CancelReason)
	s.publish(ctx, run.log)
}

// acknowledge 发送回执，失败不影响已提交的数据
func (s *TourSyncService) acknowledge(ctx context.Context, run *syncRun) {
	if !run.config.AckEnabled {
		return
	}
	ack, ok := run.adapter.(Acknowledger)
	if !ok {
		return
	}

	var cursorValue string
	s.db.WithContext(ctx).Model(&models.SyncCursor{}).
		Where("wholesaler_id = ? AND sync_type = ?", run.wholesaler.ID, run.log.SyncType).
		Pluck("cursor_value", &cursorValue)

	result := ack.Acknowledge(ctx, AckRequest{
		SyncID:        run.log.SyncID,
		SyncType:      run.log.SyncType,
		Status:        run.log.Status,
		ToursReceived: run.log.ToursReceived,
		ToursCreated:  run.log.ToursCreated,
		ToursUpdated:  run.log.ToursUpdated,
		ToursFailed:   run.log.ToursFailed,
		Cursor:        cursorValue,
	})
	run.log.AckSent = result.Success
	run.log.AckMessage = result.Message
	if result.Success {
		accepted := result.Accepted
		run.log.AckAccepted = &accepted
	} else {
		run.entry.Warnf("发送同步回执失败: %s", result.Message)
	}
}

// processTour 处理一条线路及其团期、行程，失败只影响本条
func (s *TourSyncService) processTour(ctx context.Context, run *syncRun, raw map[string]interface{}) {
	run.log.ToursReceived++
	code := run.wholesaler.Code

	record, fieldErrors := run.transformer.ToCanonical(ctx, raw, models.SectionTour)
	externalID := strings.TrimSpace(cast.ToString(record["external_id"]))
	if externalID == "" {
		s.tourFailed(ctx, run, "", raw, newItemError(models.ErrorTypeMapping, models.SectionTour, "external_id", nil, "string", errors.New("缺少外部ID")))
		return
	}
	if len(fieldErrors) > 0 {
		s.tourFailed(ctx, run, externalID, raw, fieldErrors...)
		return
	}

	status := strings.ToLower(strings.TrimSpace(cast.ToString(record["status"])))
	if run.policy.SkipDisabledTours && disabledTourStatuses[status] {
		run.log.ToursSkipped++
		metrics.SyncItemsTotal.WithLabelValues(code, "tour", "skipped").Inc()
		return
	}

	values, projectErrors := projectFields(models.SectionTour, tourFieldSpecs, record)
	if len(projectErrors) > 0 {
		s.tourFailed(ctx, run, externalID, raw, projectErrors...)
		return
	}
	projectCountry(record, values)
	if status != "" {
		values["status"] = "active"
		if disabledTourStatuses[status] {
			values["status"] = "inactive"
		}
	}

	existing, err := s.repo.FindByExternalID(ctx, run.wholesaler.ID, externalID)
	if err != nil {
		s.tourFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
		return
	}
	if existing != nil && existing.SyncLocked {
		run.log.ToursSkipped++
		metrics.SyncItemsTotal.WithLabelValues(code, "tour", "skipped").Inc()
		return
	}

	hash := payloadHash(raw)
	now := s.now()
	var tour *models.Tour

	switch {
	case existing == nil:
		tour, err = s.createTour(ctx, run, externalID, hash, values, now)
		if err != nil {
			s.tourFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
			return
		}
		run.log.ToursCreated++
		metrics.SyncItemsTotal.WithLabelValues(code, "tour", "created").Inc()
	case run.log.SyncType == models.SyncTypeIncremental && existing.SyncHash == hash:
		// 内容未变化，只处理团期
		if err := s.db.WithContext(ctx).Model(existing).Update("last_synced_at", &now).Error; err != nil {
			s.tourFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
			return
		}
		tour = existing
		run.log.ToursSkipped++
		metrics.SyncItemsTotal.WithLabelValues(code, "tour", "unchanged").Inc()
	default:
		updates := applyPolicy(values, run.policy, existing.ManualOverrideFields)
		updates["sync_hash"] = hash
		updates["sync_status"] = "synced"
		updates["last_synced_at"] = &now
		if err := s.db.WithContext(ctx).Model(existing).Updates(updates).Error; err != nil {
			s.tourFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
			return
		}
		tour = existing
		run.log.ToursUpdated++
		metrics.SyncItemsTotal.WithLabelValues(code, "tour", "updated").Inc()
	}

	run.touched[tour.ID] = true
	s.syncPeriods(ctx, run, tour, record, raw)
	s.syncItineraries(ctx, run, tour, record, raw)
}

// projectCountry lookup 命中时写入国家ID与名称，未命中时原值作为国家名称
func projectCountry(record, values map[string]interface{}) {
	country, ok := record["country"]
	if !ok || IsEmptyValue(country) {
		return
	}
	switch id := country.(type) {
	case uint:
		values["country_id"] = id
		if name, ok := record["country_name"]; ok {
			values["country_name"] = cast.ToString(name)
		}
	default:
		if _, ok := values["country_name"]; !ok {
			values["country_name"] = cast.ToString(country)
		}
	}
}

func (s *TourSyncService) createTour(ctx context.Context, run *syncRun, externalID, hash string, values map[string]interface{}, now time.Time) (*models.Tour, error) {
	tour := &models.Tour{
		WholesalerID:  run.wholesaler.ID,
		ExternalID:    externalID,
		DataSource:    models.DataSourceSync,
		SyncStatus:    "synced",
		SyncHash:      hash,
		LastSyncedAt:  &now,
		Status:        "active",
		PromotionType: models.PromotionNone,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tour).Error; err != nil {
			return err
		}
		if len(values) == 0 {
			return nil
		}
		return tx.Model(tour).Updates(values).Error
	})
	if err != nil {
		return nil, err
	}
	return tour, nil
}

// syncPeriods 同步线路的团期：single 模式从线路数据中展开，two_phase 模式单独请求
func (s *TourSyncService) syncPeriods(ctx context.Context, run *syncRun, tour *models.Tour, record, raw map[string]interface{}) {
	if !run.transformer.HasSection(models.SectionDeparture) {
		return
	}

	var periods []map[string]interface{}
	if run.config.SyncMode == models.SyncModeTwoPhase {
		if run.config.PeriodsEndpointTemplate == "" {
			return
		}
		endpoint := renderEndpoint(run.config.PeriodsEndpointTemplate, record, raw)
		result := run.adapter.FetchPeriods(ctx, endpoint)
		if !result.Success {
			s.recordError(ctx, run, "period", tour.ExternalID, nil, newItemError(models.ErrorTypeAPI, models.SectionDeparture, "", endpoint, "",
				fmt.Errorf("拉取团期失败: [%s] %s", result.ErrorCode, result.ErrorMessage)))
			return
		}
		periods = result.Periods
	} else {
		if run.config.PeriodsPath == "" {
			return
		}
		periods = run.transformer.jsonPath.Flatten(run.config.PeriodsPath, raw)
	}

	for _, rawPeriod := range periods {
		s.processPeriod(ctx, run, tour, rawPeriod)
	}
}

// processPeriod 处理一条团期与价格
func (s *TourSyncService) processPeriod(ctx context.Context, run *syncRun, tour *models.Tour, raw map[string]interface{}) {
	run.log.PeriodsReceived++
	code := run.wholesaler.Code

	record, fieldErrors := run.transformer.ToCanonical(ctx, raw, models.SectionDeparture)
	externalID := strings.TrimSpace(cast.ToString(record["external_id"]))
	if externalID == "" {
		s.periodFailed(ctx, run, tour.ExternalID, raw, newItemError(models.ErrorTypeMapping, models.SectionDeparture, "external_id", nil, "string", errors.New("缺少团期外部ID")))
		return
	}
	if len(fieldErrors) > 0 {
		s.periodFailed(ctx, run, externalID, raw, fieldErrors...)
		return
	}

	periodValues, errs := projectFields(models.SectionDeparture, periodFieldSpecs, record)
	offerValues, offerErrs := projectFields(models.SectionDeparture, offerFieldSpecs, record)
	errs = append(errs, offerErrs...)
	if len(errs) > 0 {
		s.periodFailed(ctx, run, externalID, raw, errs...)
		return
	}

	startDate, ok := periodValues["start_date"].(time.Time)
	if !ok {
		s.periodFailed(ctx, run, externalID, raw, newItemError(models.ErrorTypeValidation, models.SectionDeparture, "start_date", nil, "date", errors.New("缺少出发日期")))
		return
	}
	if run.policy.SkipPastPeriods && startDate.Before(run.today) {
		run.log.PeriodsSkipped++
		metrics.SyncItemsTotal.WithLabelValues(code, "period", "skipped").Inc()
		return
	}

	status, err := periodStatus(record["status"])
	if err != nil {
		s.periodFailed(ctx, run, externalID, raw, newItemError(models.ErrorTypeValidation, models.SectionDeparture, "status", record["status"], "open|closed|sold_out", err))
		return
	}
	if status != "" {
		periodValues["status"] = status
	}
	deriveAvailability(periodValues)

	existing, err := s.repo.FindPeriodByExternalID(ctx, tour.ID, externalID)
	if err != nil {
		s.periodFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
		return
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing == nil {
			period := &models.Period{
				TourID:       tour.ID,
				ExternalID:   externalID,
				StartDate:    startDate,
				Status:       models.PeriodStatusOpen,
				DataSource:   models.DataSourceSync,
				LastSyncedAt: &now,
			}
			if err := tx.Create(period).Error; err != nil {
				return err
			}
			if err := tx.Model(period).Updates(periodValues).Error; err != nil {
				return err
			}
			offer := &models.Offer{PeriodID: period.ID, Currency: "THB"}
			if err := tx.Create(offer).Error; err != nil {
				return err
			}
			if len(offerValues) > 0 {
				return tx.Model(offer).Updates(offerValues).Error
			}
			return nil
		}

		updates := applyPolicy(periodValues, run.policy, existing.ManualOverrideFields)
		// 人工改过座位数时保持人工计算的余位
		if _, ok := updates["available"]; ok && !run.policy.ShouldSyncField("capacity", existing.ManualOverrideFields) {
			delete(updates, "available")
			delete(updates, "status")
		}
		updates["last_synced_at"] = &now
		if err := tx.Model(existing).Updates(updates).Error; err != nil {
			return err
		}
		offerUpdates := applyPolicy(offerValues, run.policy, existing.ManualOverrideFields)
		if existing.Offer == nil {
			offer := &models.Offer{PeriodID: existing.ID, Currency: "THB"}
			if err := tx.Create(offer).Error; err != nil {
				return err
			}
			existing.Offer = offer
		}
		if len(offerUpdates) > 0 {
			return tx.Model(existing.Offer).Updates(offerUpdates).Error
		}
		return nil
	})
	if err != nil {
		s.periodFailed(ctx, run, externalID, raw, classifyError(err, models.ErrorTypeDatabase))
		return
	}

	if existing == nil {
		run.log.PeriodsCreated++
		metrics.SyncItemsTotal.WithLabelValues(code, "period", "created").Inc()
	} else {
		run.log.PeriodsUpdated++
		metrics.SyncItemsTotal.WithLabelValues(code, "period", "updated").Inc()
	}
	run.touched[tour.ID] = true
}

// periodStatus 规范化团期状态，空值返回空字符串
func periodStatus(value interface{}) (string, error) {
	status := strings.ToLower(strings.TrimSpace(cast.ToString(value)))
	switch status {
	case "":
		return "", nil
	case models.PeriodStatusOpen, models.PeriodStatusClosed, models.PeriodStatusSoldOut:
		return status, nil
	case "soldout", "full":
		return models.PeriodStatusSoldOut, nil
	}
	return "", fmt.Errorf("未知的团期状态 %q", status)
}

// deriveAvailability 余位 = max(0, 总位 - 已订)，余位为0时开放的团期改为售罄
func deriveAvailability(values map[string]interface{}) {
	capacity, hasCapacity := values["capacity"].(int)
	if hasCapacity {
		booked, _ := values["booked"].(int)
		available := capacity - booked
		if available < 0 {
			available = 0
		}
		values["available"] = available
	}

	available, hasAvailable := values["available"].(int)
	if !hasAvailable {
		return
	}
	if available < 0 {
		values["available"] = 0
		available = 0
	}
	status, _ := values["status"].(string)
	if available == 0 && (status == "" || status == models.PeriodStatusOpen) {
		values["status"] = models.PeriodStatusSoldOut
	}
}

// syncItineraries 行程整体替换
func (s *TourSyncService) syncItineraries(ctx context.Context, run *syncRun, tour *models.Tour, record, raw map[string]interface{}) {
	if !run.transformer.HasSection(models.SectionItinerary) {
		return
	}

	var items []map[string]interface{}
	switch {
	case run.config.ItinerariesEndpointTemplate != "":
		endpoint := renderEndpoint(run.config.ItinerariesEndpointTemplate, record, raw)
		result := run.adapter.FetchItineraries(ctx, endpoint)
		if !result.Success {
			s.recordError(ctx, run, "itinerary", tour.ExternalID, nil, newItemError(models.ErrorTypeAPI, models.SectionItinerary, "", endpoint, "",
				fmt.Errorf("拉取行程失败: [%s] %s", result.ErrorCode, result.ErrorMessage)))
			return
		}
		items = result.Itineraries
	case run.config.ItinerariesPath != "":
		items = run.transformer.jsonPath.Flatten(run.config.ItinerariesPath, raw)
	default:
		return
	}

	itineraries := make([]models.TourItinerary, 0, len(items))
	for i, item := range items {
		canonical, fieldErrors := run.transformer.ToCanonical(ctx, item, models.SectionItinerary)
		values, projectErrors := projectFields(models.SectionItinerary, itineraryFieldSpecs, canonical)
		fieldErrors = append(fieldErrors, projectErrors...)
		if len(fieldErrors) > 0 {
			for _, fe := range fieldErrors {
				s.recordError(ctx, run, "itinerary", tour.ExternalID, item, fe)
			}
			return
		}
		itinerary := models.TourItinerary{TourID: tour.ID, DayNo: i + 1}
		if v, ok := values["day_no"].(int); ok {
			itinerary.DayNo = v
		}
		itinerary.Title = cast.ToString(values["title"])
		itinerary.Description = cast.ToString(values["description"])
		itinerary.Meals = cast.ToString(values["meals"])
		itinerary.Hotel = cast.ToString(values["hotel"])
		if v, ok := values["hotel_star"].(int); ok {
			star := v
			itinerary.HotelStar = &star
		}
		itineraries = append(itineraries, itinerary)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tour_id = ?", tour.ID).Delete(&models.TourItinerary{}).Error; err != nil {
			return err
		}
		if len(itineraries) == 0 {
			return nil
		}
		return tx.Create(&itineraries).Error
	})
	if err != nil {
		s.recordError(ctx, run, "itinerary", tour.ExternalID, nil, classifyError(err, models.ErrorTypeDatabase))
		return
	}
	run.touched[tour.ID] = true
}

// renderEndpoint 用标准记录（其次原始记录）替换模板中的 {field}
func renderEndpoint(template string, record, raw map[string]interface{}) string {
	jsonPath := NewJSONPath()
	return templatePlaceholder.ReplaceAllStringFunc(template, func(token string) string {
		key := token[1 : len(token)-1]
		if v, ok := record[key]; ok && !IsEmptyValue(v) {
			return cast.ToString(v)
		}
		return jsonPath.ExtractString(key, raw)
	})
}

func (s *TourSyncService) tourFailed(ctx context.Context, run *syncRun, externalID string, raw map[string]interface{}, errs ...*SyncItemError) {
	run.log.ToursFailed++
	metrics.SyncItemsTotal.WithLabelValues(run.wholesaler.Code, "tour", "failed").Inc()
	for _, e := range errs {
		s.recordError(ctx, run, "tour", externalID, raw, e)
	}
}

func (s *TourSyncService) periodFailed(ctx context.Context, run *syncRun, externalID string, raw map[string]interface{}, errs ...*SyncItemError) {
	run.log.PeriodsFailed++
	metrics.SyncItemsTotal.WithLabelValues(run.wholesaler.Code, "period", "failed").Inc()
	for _, e := range errs {
		s.recordError(ctx, run, "period", externalID, raw, e)
	}
}

// recordError 写入同步错误记录
func (s *TourSyncService) recordError(ctx context.Context, run *syncRun, entity, externalID string, raw map[string]interface{}, itemErr *SyncItemError) {
	run.log.ErrorCount++

	entry := models.SyncErrorLog{
		SyncLogID:    run.log.ID,
		WholesalerID: run.wholesaler.ID,
		EntityType:   entity,
		ExternalID:   externalID,
		ErrorType:    itemErr.Type,
		Section:      itemErr.Section,
		FieldName:    itemErr.Field,
		ExpectedType: itemErr.Expected,
		Message:      itemErr.Error(),
	}
	if itemErr.Value != nil {
		entry.ReceivedValue = cast.ToString(itemErr.Value)
		if entry.ReceivedValue == "" {
			if data, err := json.Marshal(itemErr.Value); err == nil {
				entry.ReceivedValue = string(data)
			}
		}
	}
	if raw != nil {
		if data, err := json.Marshal(raw); err == nil {
			entry.RawData = datatypes.JSON(data)
		}
	}

	run.entry.WithFields(logrus.Fields{
		"external_id": externalID,
		"entity":      entity,
		"error_type":  itemErr.Type,
	}).Warn(itemErr.Error())

	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		run.entry.WithError(err).Error("保存同步错误记录失败")
	}
}

// payloadHash 原始数据指纹，encoding/json 对 map 键排序，结果稳定
func payloadHash(raw map[string]interface{}) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *TourSyncService) tryLock(wholesalerID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[wholesalerID] {
		return false
	}
	s.running[wholesalerID] = true
	return true
}

func (s *TourSyncService) unlock(wholesalerID uint) {
	s.mu.Lock()
	delete(s.running, wholesalerID)
	s.mu.Unlock()
}

// markRunCancelled 将运行中的同步标记为失败并记录原因
func markRunCancelled(db *gorm.DB, syncLog *models.SyncLog, now time.Time, reason string) error {
	duration := int(now.Sub(syncLog.StartedAt).Seconds())
	result := db.Model(&models.SyncLog{}).
		Where("id = ? AND status = ?", syncLog.ID, models.SyncStatusRunning).
		Updates(map[string]interface{}{
			"status":           models.SyncStatusFailed,
			"cancel_requested": true,
			"cancel_reason":    reason,
			"cancelled_at":     &now,
			"completed_at":     &now,
			"duration":         duration,
			"error_message":    reason,
		})
	if result.Error != nil {
		return result.Error
	}
	syncLog.Status = models.SyncStatusFailed
	syncLog.CancelRequested = true
	syncLog.CancelReason = reason
	syncLog.CancelledAt = &now
	return nil
}
