package response

import (
	"net/http"

	"tourapi/pkg/errors"
	"tourapi/pkg/pagination"

	"github.com/gin-gonic/gin"
)

// Response 统一返回格式，HTTP 状态码恒为 200，结果看 code
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageResponse 列表接口返回格式，空列表也保留 data
type PageResponse struct {
	Code     int                  `json:"code"`
	Message  string               `json:"message"`
	Data     interface{}          `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// Success 成功返回
func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, "success", data)
}

// SuccessWithMessage 成功返回（自定义消息，如"同步已触发"）
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: errors.CodeSuccess, Message: message, Data: data})
}

// SuccessWithPage 分页成功返回
func SuccessWithPage(c *gin.Context, data interface{}, pageInfo *pagination.PageInfo) {
	c.JSON(http.StatusOK, PageResponse{
		Code:     errors.CodeSuccess,
		Message:  "success",
		Data:     data,
		PageInfo: pageInfo,
	})
}

// Error 通用错误返回
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{Code: code, Message: message})
}

// Abort 返回错误并终止后续 handler，供中间件使用
func Abort(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(http.StatusOK, Response{Code: code, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, errors.CodeInvalidParam, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, errors.CodeNotFound, message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, errors.CodeConflict, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, errors.CodeServerError, message)
}

// 同步业务错误

func SyncRunning(c *gin.Context, message string) {
	Error(c, errors.CodeSyncRunning, message)
}

func SyncDisabled(c *gin.Context, message string) {
	Error(c, errors.CodeSyncDisabled, message)
}

func InvalidRule(c *gin.Context, message string) {
	Error(c, errors.CodeInvalidRule, message)
}
