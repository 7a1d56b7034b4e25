package handlers

import (
	"context"
	"errors"

	"tourapi/internal/models"
	"tourapi/internal/services"
	"tourapi/pkg/logger"
	"tourapi/pkg/pagination"
	"tourapi/pkg/queue"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// SyncHandler 同步任务处理器
type SyncHandler struct {
	syncService    *services.TourSyncService
	cleanupService *services.SyncCleanupService
	logService     *services.SyncLogService
	jobQueue       *queue.RedisQueue
}

// NewSyncHandler 创建同步处理器，jobQueue 可为空
func NewSyncHandler(syncService *services.TourSyncService, cleanupService *services.SyncCleanupService, logService *services.SyncLogService, jobQueue *queue.RedisQueue) *SyncHandler {
	return &SyncHandler{
		syncService:    syncService,
		cleanupService: cleanupService,
		logService:     logService,
		jobQueue:       jobQueue,
	}
}

// TriggerSyncRequest 手动触发同步请求
type TriggerSyncRequest struct {
	SyncType string `json:"sync_type" binding:"omitempty,oneof=incremental full"`
}

// CancelSyncRequest 取消同步请求
type CancelSyncRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// ResolveErrorRequest 标记错误已处理
type ResolveErrorRequest struct {
	Note string `json:"note" binding:"max=1000"`
}

// Trigger 手动触发同步
// 调度器可用时入队由工作池执行，否则在后台直接执行
func (h *SyncHandler) Trigger(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req TriggerSyncRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	if req.SyncType == "" {
		req.SyncType = models.SyncTypeIncremental
	}

	if scheduler := services.GetTourSyncScheduler(); scheduler != nil {
		jobID, err := scheduler.TriggerSync(c.Request.Context(), wholesalerID, req.SyncType)
		if err != nil {
			respondError(c, err, "触发同步失败")
			return
		}
		response.SuccessWithMessage(c, "同步任务已入队", gin.H{
			"job_id":        jobID,
			"wholesaler_id": wholesalerID,
			"sync_type":     req.SyncType,
		})
		return
	}

	go func(syncType string) {
		ctx := context.Background()
		if _, err := h.syncService.RunSync(ctx, wholesalerID, syncType, "api"); err != nil {
			logger.GetLogger().WithError(err).Errorf("批发商 %d 同步未执行", wholesalerID)
		}
	}(req.SyncType)
	response.SuccessWithMessage(c, "同步任务已启动", gin.H{
		"wholesaler_id": wholesalerID,
		"sync_type":     req.SyncType,
	})
}

// JobStatus 查询入队任务状态
func (h *SyncHandler) JobStatus(c *gin.Context) {
	if h.jobQueue == nil {
		response.ServerError(c, "任务队列不可用")
		return
	}
	status, err := h.jobQueue.GetJobStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		respondError(c, err, "获取任务状态失败")
		return
	}
	if len(status) == 0 {
		response.NotFound(c, "任务不存在或已过期")
		return
	}
	response.Success(c, status)
}

// Cancel 取消运行中的同步
func (h *SyncHandler) Cancel(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req CancelSyncRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "手动取消"
	}

	syncLog, err := h.cleanupService.CancelSync(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err, "取消同步失败")
		return
	}
	response.Success(c, syncLog)
}

// ListLogs 同步记录列表
func (h *SyncHandler) ListLogs(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	filter := services.SyncLogFilter{
		WholesalerID: queryUint(c, "wholesaler_id"),
		SyncType:     c.Query("sync_type"),
		Status:       c.Query("status"),
	}

	logs, total, err := h.logService.ListLogs(c.Request.Context(), filter, params.GetOffset(), params.GetLimit())
	if err != nil {
		respondError(c, err, "获取同步记录失败")
		return
	}
	response.SuccessWithPage(c, logs, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// GetLog 同步记录详情
func (h *SyncHandler) GetLog(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	syncLog, err := h.logService.GetLog(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "获取同步记录失败")
		return
	}
	response.Success(c, syncLog)
}

// ListErrors 同步错误列表
func (h *SyncHandler) ListErrors(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	filter := services.SyncErrorFilter{
		WholesalerID: queryUint(c, "wholesaler_id"),
		SyncLogID:    queryUint(c, "sync_log_id"),
		ErrorType:    c.Query("error_type"),
		Resolved:     queryBool(c, "resolved"),
	}

	errorLogs, total, err := h.logService.ListErrors(c.Request.Context(), filter, params.GetOffset(), params.GetLimit())
	if err != nil {
		respondError(c, err, "获取同步错误失败")
		return
	}
	response.SuccessWithPage(c, errorLogs, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// ResolveError 标记同步错误已处理
func (h *SyncHandler) ResolveError(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req ResolveErrorRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &req) {
			return
		}
	}

	errorLog, err := h.logService.ResolveError(c.Request.Context(), id, req.Note)
	if err != nil {
		respondError(c, err, "处理同步错误失败")
		return
	}
	response.Success(c, errorLog)
}

// ListCursors 批发商同步游标
func (h *SyncHandler) ListCursors(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	cursors, err := h.logService.ListCursors(c.Request.Context(), wholesalerID)
	if err != nil {
		respondError(c, err, "获取同步游标失败")
		return
	}
	response.Success(c, cursors)
}

// ResetCursor 重置同步游标
func (h *SyncHandler) ResetCursor(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	syncType := c.Param("sync_type")
	if err := h.logService.ResetCursor(c.Request.Context(), wholesalerID, syncType); err != nil {
		if errors.Is(err, services.ErrInvalidSyncType) {
			response.BadRequest(c, err.Error())
			return
		}
		respondError(c, err, "重置同步游标失败")
		return
	}
	response.SuccessWithMessage(c, "游标已重置", nil)
}
