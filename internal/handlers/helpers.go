package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"tourapi/internal/services"
	"tourapi/pkg/logger"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// bindJSON 绑定请求体，校验失败时返回第一个字段的错误
func bindJSON(c *gin.Context, obj interface{}) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fieldErr := validationErrs[0]
		msg := fmt.Sprintf("字段 %s 验证失败 (%s)", fieldErr.Field(), fieldErr.Tag())
		if fieldErr.Param() != "" {
			msg = fmt.Sprintf("字段 %s 验证失败 (%s=%s)", fieldErr.Field(), fieldErr.Tag(), fieldErr.Param())
		}
		response.BadRequest(c, msg)
		return false
	}
	response.BadRequest(c, "请求参数格式错误: "+err.Error())
	return false
}

// parseUintParam 解析路径中的数字ID
func parseUintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "无效的"+name)
		return 0, false
	}
	return uint(id), true
}

// queryUint 解析查询参数中的数字，非法值视为 0
func queryUint(c *gin.Context, name string) uint {
	id, err := strconv.ParseUint(c.Query(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

// queryBool 解析可选的布尔查询参数
func queryBool(c *gin.Context, name string) *bool {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &value
}

// respondError 将业务错误映射为统一错误码
func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrWholesalerNotFound),
		errors.Is(err, services.ErrConfigNotFound),
		errors.Is(err, services.ErrSyncLogNotFound),
		errors.Is(err, services.ErrErrorLogNotFound),
		errors.Is(err, services.ErrTourNotFound),
		errors.Is(err, services.ErrPeriodNotFound),
		errors.Is(err, services.ErrMappingRuleNotFound),
		errors.Is(err, services.ErrSettingNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, services.ErrWholesalerExists),
		errors.Is(err, services.ErrSyncNotRunning):
		response.Conflict(c, err.Error())
	case errors.Is(err, services.ErrSyncAlreadyRunning):
		response.SyncRunning(c, err.Error())
	case errors.Is(err, services.ErrSyncDisabled):
		response.SyncDisabled(c, err.Error())
	case errors.Is(err, services.ErrInvalidRule):
		response.InvalidRule(c, err.Error())
	case errors.Is(err, services.ErrInvalidSyncType),
		errors.Is(err, services.ErrInvalidCron),
		errors.Is(err, services.ErrInvalidConfig):
		response.BadRequest(c, err.Error())
	default:
		logger.GetLogger().WithError(err).Error(fallback)
		response.ServerError(c, fallback)
	}
}
