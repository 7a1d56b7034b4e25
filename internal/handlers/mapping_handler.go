package handlers

import (
	"tourapi/internal/services"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// MappingHandler 字段映射处理器
type MappingHandler struct {
	mappingService *services.MappingService
}

// NewMappingHandler 创建字段映射处理器
func NewMappingHandler(mappingService *services.MappingService) *MappingHandler {
	return &MappingHandler{mappingService: mappingService}
}

// List 映射规则列表，可按 section 过滤
func (h *MappingHandler) List(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	rules, err := h.mappingService.List(c.Request.Context(), wholesalerID, c.Query("section"))
	if err != nil {
		respondError(c, err, "获取映射规则失败")
		return
	}
	response.Success(c, rules)
}

// Replace 整体替换映射规则
func (h *MappingHandler) Replace(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.ReplaceMappingRulesRequest
	if !bindJSON(c, &req) {
		return
	}

	rules, err := h.mappingService.ReplaceRules(c.Request.Context(), wholesalerID, req)
	if err != nil {
		respondError(c, err, "保存映射规则失败")
		return
	}
	response.Success(c, rules)
}

// Upsert 新增或更新单条映射规则
func (h *MappingHandler) Upsert(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var item services.MappingRuleItem
	if !bindJSON(c, &item) {
		return
	}

	rule, err := h.mappingService.Upsert(c.Request.Context(), wholesalerID, item)
	if err != nil {
		respondError(c, err, "保存映射规则失败")
		return
	}
	response.Success(c, rule)
}

// Delete 删除映射规则
func (h *MappingHandler) Delete(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	ruleID, ok := parseUintParam(c, "rule_id")
	if !ok {
		return
	}
	if err := h.mappingService.Delete(c.Request.Context(), wholesalerID, ruleID); err != nil {
		respondError(c, err, "删除映射规则失败")
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}

// Preview 使用当前规则预览转换结果
func (h *MappingHandler) Preview(c *gin.Context) {
	wholesalerID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var req services.MappingPreviewRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.mappingService.Preview(c.Request.Context(), wholesalerID, req)
	if err != nil {
		respondError(c, err, "预览映射失败")
		return
	}
	response.Success(c, result)
}
