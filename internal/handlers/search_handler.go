package handlers

import (
	"tourapi/internal/services"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
)

// SearchHandler 联合搜索处理器
type SearchHandler struct {
	searchService *services.SearchService
}

// NewSearchHandler 创建联合搜索处理器
func NewSearchHandler(searchService *services.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 实时查询各批发商接口
func (h *SearchHandler) Search(c *gin.Context) {
	var req services.SearchRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.PriceMin != nil && req.PriceMax != nil && *req.PriceMin > *req.PriceMax {
		response.BadRequest(c, "price_min 不能大于 price_max")
		return
	}
	if req.DateFrom != nil && req.DateTo != nil && req.DateFrom.After(*req.DateTo) {
		response.BadRequest(c, "date_from 不能晚于 date_to")
		return
	}

	result, err := h.searchService.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "联合搜索失败")
		return
	}
	response.Success(c, result)
}
