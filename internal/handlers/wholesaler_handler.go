package handlers

import (
	"tourapi/internal/services"
	"tourapi/pkg/pagination"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// WholesalerHandler 批发商管理处理器
type WholesalerHandler struct {
	wholesalerService *services.WholesalerService
}

// NewWholesalerHandler 创建批发商处理器
func NewWholesalerHandler(wholesalerService *services.WholesalerService) *WholesalerHandler {
	return &WholesalerHandler{wholesalerService: wholesalerService}
}

// Create 创建批发商
func (h *WholesalerHandler) Create(c *gin.Context) {
	var req services.CreateWholesalerRequest
	if !bindJSON(c, &req) {
		return
	}

	wholesaler, err := h.wholesalerService.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "创建批发商失败")
		return
	}
	response.Success(c, wholesaler)
}

// Update 更新批发商及接口配置
func (h *WholesalerHandler) Update(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.UpdateWholesalerRequest
	if !bindJSON(c, &req) {
		return
	}

	wholesaler, err := h.wholesalerService.Update(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err, "更新批发商失败")
		return
	}
	response.Success(c, wholesaler)
}

// Delete 删除批发商
func (h *WholesalerHandler) Delete(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	if err := h.wholesalerService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err, "删除批发商失败")
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// GetByID 批发商详情
func (h *WholesalerHandler) GetByID(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	wholesaler, err := h.wholesalerService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "获取批发商失败")
		return
	}
	response.Success(c, wholesaler)
}

// List 批发商列表
func (h *WholesalerHandler) List(c *gin.Context) {
	params := pagination.ParsePageParams(c)

	wholesalers, total, err := h.wholesalerService.List(c.Request.Context(), c.Query("keyword"), params.GetOffset(), params.GetLimit())
	if err != nil {
		respondError(c, err, "获取批发商列表失败")
		return
	}
	response.SuccessWithPage(c, wholesalers, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Enable 启用同步
func (h *WholesalerHandler) Enable(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	if err := h.wholesalerService.Enable(c.Request.Context(), id); err != nil {
		respondError(c, err, "启用同步失败")
		return
	}
	response.SuccessWithMessage(c, "已启用", nil)
}

// Disable 停用同步
func (h *WholesalerHandler) Disable(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	if err := h.wholesalerService.Disable(c.Request.Context(), id); err != nil {
		respondError(c, err, "停用同步失败")
		return
	}
	response.SuccessWithMessage(c, "已停用", nil)
}

// TestConnection 测试批发商接口连通性
func (h *WholesalerHandler) TestConnection(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	result, err := h.wholesalerService.TestConnection(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "测试连接失败")
		return
	}
	response.Success(c, result)
}
