package services

import (
	"context"
	"errors"
	"fmt"
	"tourapi/internal/models"
)

var (
	ErrWholesalerNotFound  = errors.New("批发商不存在")
	ErrWholesalerExists    = errors.New("批发商编码已存在")
	ErrConfigNotFound      = errors.New("批发商接口配置不存在")
	ErrSyncAlreadyRunning  = errors.New("该批发商已有同步任务在运行")
	ErrSyncDisabled        = errors.New("该批发商未启用同步")
	ErrSyncLogNotFound     = errors.New("同步记录不存在")
	ErrSyncNotRunning      = errors.New("同步任务不在运行状态")
	ErrErrorLogNotFound    = errors.New("同步错误记录不存在")
	ErrTourNotFound        = errors.New("线路不存在")
	ErrPeriodNotFound      = errors.New("团期不存在")
	ErrMappingRuleNotFound = errors.New("映射规则不存在")
	ErrSettingNotFound     = errors.New("设置不存在")
	ErrInvalidSyncType     = errors.New("无效的同步类型")
	ErrInvalidCron         = errors.New("无效的cron表达式")
	ErrInvalidRule         = errors.New("无效的映射规则")
	ErrInvalidConfig       = errors.New("无效的接口配置")
	ErrCursorNotAdvancing  = errors.New("游标未前进")
)

// SyncItemError 单条数据同步失败的详情
type SyncItemError struct {
	Type     string      // models.ErrorType*
	Section  string      // tour/departure/itinerary
	Field    string      // 出错的标准字段
	Value    interface{} // 收到的原始值
	Expected string      // 期望的类型
	Err      error
}

func (e *SyncItemError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s error on %s.%s: %v", e.Type, e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Type, e.Err)
}

func (e *SyncItemError) Unwrap() error {
	return e.Err
}

func newItemError(errType, section, field string, value interface{}, expected string, err error) *SyncItemError {
	return &SyncItemError{
		Type:     errType,
		Section:  section,
		Field:    field,
		Value:    value,
		Expected: expected,
		Err:      err,
	}
}

// classifyError 将任意错误归类为同步条目错误
func classifyError(err error, fallbackType string) *SyncItemError {
	var itemErr *SyncItemError
	if errors.As(err, &itemErr) {
		return itemErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncItemError{Type: models.ErrorTypeTimeout, Err: err}
	}
	if fallbackType == "" {
		fallbackType = models.ErrorTypeUnknown
	}
	return &SyncItemError{Type: fallbackType, Err: err}
}
