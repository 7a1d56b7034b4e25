package handlers

import (
	"tourapi/internal/services"
	"tourapi/pkg/pagination"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// TourHandler 线路处理器
type TourHandler struct {
	tourService        *services.TourService
	aggregationService *services.AggregationService
}

// NewTourHandler 创建线路处理器
func NewTourHandler(tourService *services.TourService, aggregationService *services.AggregationService) *TourHandler {
	return &TourHandler{
		tourService:        tourService,
		aggregationService: aggregationService,
	}
}

// ClearOverridesRequest 清除人工修改标记
type ClearOverridesRequest struct {
	Fields []string `json:"fields"`
}

// SyncLockRequest 同步锁定开关
type SyncLockRequest struct {
	Locked *bool `json:"locked" binding:"required"`
}

// List 线路列表
func (h *TourHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)
	filter := services.TourFilter{
		WholesalerID:  queryUint(c, "wholesaler_id"),
		Keyword:       c.Query("keyword"),
		CountryID:     queryUint(c, "country_id"),
		Status:        c.Query("status"),
		PromotionType: c.Query("promotion_type"),
		DataSource:    c.Query("data_source"),
	}

	tours, total, err := h.tourService.List(c.Request.Context(), filter, params.GetOffset(), params.GetLimit())
	if err != nil {
		respondError(c, err, "获取线路列表失败")
		return
	}
	response.SuccessWithPage(c, tours, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// GetByID 线路详情
func (h *TourHandler) GetByID(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	tour, err := h.tourService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "获取线路失败")
		return
	}
	response.Success(c, tour)
}

// Create 人工新建线路
func (h *TourHandler) Create(c *gin.Context) {
	var req services.CreateTourRequest
	if !bindJSON(c, &req) {
		return
	}
	tour, err := h.tourService.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "创建线路失败")
		return
	}
	response.Success(c, tour)
}

// Update 人工修改线路，修改过的字段记为人工覆盖
func (h *TourHandler) Update(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.UpdateTourRequest
	if !bindJSON(c, &req) {
		return
	}
	tour, err := h.tourService.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err, "更新线路失败")
		return
	}
	response.Success(c, tour)
}

// ClearOverrides 清除人工修改标记
func (h *TourHandler) ClearOverrides(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req ClearOverridesRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	tour, err := h.tourService.ClearOverrides(c.Request.Context(), id, req.Fields)
	if err != nil {
		respondError(c, err, "清除人工修改标记失败")
		return
	}
	response.Success(c, tour)
}

// SetSyncLock 锁定或解锁线路
func (h *TourHandler) SetSyncLock(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req SyncLockRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.tourService.SetSyncLock(c.Request.Context(), id, *req.Locked); err != nil {
		respondError(c, err, "设置同步锁定失败")
		return
	}
	response.Success(c, gin.H{"id": id, "sync_locked": *req.Locked})
}

// UpdatePeriod 人工修改团期
func (h *TourHandler) UpdatePeriod(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.UpdatePeriodRequest
	if !bindJSON(c, &req) {
		return
	}
	period, err := h.tourService.UpdatePeriod(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err, "更新团期失败")
		return
	}
	response.Success(c, period)
}

// Recalculate 重算线路聚合字段，可临时指定聚合参数
func (h *TourHandler) Recalculate(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var override *services.AggregationOptions
	if c.Request.ContentLength > 0 {
		override = &services.AggregationOptions{}
		if !bindJSON(c, override) {
			return
		}
	}
	aggregates, err := h.tourService.Recalculate(c.Request.Context(), id, override)
	if err != nil {
		respondError(c, err, "重算聚合字段失败")
		return
	}
	response.Success(c, aggregates)
}

// RecalculateWholesaler 重算批发商全部线路
func (h *TourHandler) RecalculateWholesaler(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	recalculated, err := h.aggregationService.RecalculateWholesaler(c.Request.Context(), wholesalerID)
	if err != nil {
		respondError(c, err, "重算聚合字段失败")
		return
	}
	response.Success(c, gin.H{"wholesaler_id": wholesalerID, "recalculated": recalculated})
}
