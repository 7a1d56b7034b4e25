package middleware

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	apperrors "tourapi/pkg/errors"
	"tourapi/pkg/logger"
	"tourapi/pkg/metrics"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Recovery 捕获 panic，按统一响应格式返回 500
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.GetLogger().WithFields(logrus.Fields{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"stack":  string(debug.Stack()),
				}).Errorf("panic recovered: %v", err)
				response.Abort(c, apperrors.CodeServerError, "服务器内部错误")
			}
		}()

		c.Next()
	}
}

// RequestLogger 请求日志与耗时统计，写入应用日志而不是 gin 默认输出
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(latency.Seconds())

		// 进度推送是长连接，不记录
		if c.IsWebsocket() {
			return
		}
		entry := logger.GetLogger().WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  status,
			"latency": fmt.Sprintf("%.3fms", float64(latency.Microseconds())/1000),
			"ip":      c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request handled")
		}
	}
}
