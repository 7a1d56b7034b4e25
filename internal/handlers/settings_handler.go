package handlers

import (
	"tourapi/internal/services"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// SettingsHandler 全局设置处理器
type SettingsHandler struct {
	settingsService  *services.SettingsService
	referenceService *services.ReferenceService
}

// NewSettingsHandler 创建设置处理器
func NewSettingsHandler(settingsService *services.SettingsService, referenceService *services.ReferenceService) *SettingsHandler {
	return &SettingsHandler{
		settingsService:  settingsService,
		referenceService: referenceService,
	}
}

// UpdateSettingRequest 修改设置
type UpdateSettingRequest struct {
	Value       string `json:"value" binding:"required,max=500"`
	Description string `json:"description" binding:"max=500"`
}

// List 全部设置
func (h *SettingsHandler) List(c *gin.Context) {
	settings, err := h.settingsService.List(c.Request.Context())
	if err != nil {
		respondError(c, err, "获取设置失败")
		return
	}
	response.Success(c, settings)
}

// Get 单个设置
func (h *SettingsHandler) Get(c *gin.Context) {
	setting, err := h.settingsService.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		respondError(c, err, "获取设置失败")
		return
	}
	response.Success(c, setting)
}

// Set 写入设置
func (h *SettingsHandler) Set(c *gin.Context) {
	key := c.Param("key")
	var req UpdateSettingRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.settingsService.Set(c.Request.Context(), key, req.Value, req.Description); err != nil {
		respondError(c, err, "保存设置失败")
		return
	}
	response.Success(c, gin.H{"key": key, "value": req.Value})
}

// RefreshReferences 国家/城市数据变更后清空查找缓存
func (h *SettingsHandler) RefreshReferences(c *gin.Context) {
	h.referenceService.Refresh()
	response.SuccessWithMessage(c, "参考数据缓存已刷新", nil)
}
