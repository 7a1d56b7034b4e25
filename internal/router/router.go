package router

import (
	"context"
	"time"

	"tourapi/internal/database"
	"tourapi/internal/handlers"
	"tourapi/internal/middleware"
	"tourapi/internal/services"
	"tourapi/pkg/config"
	"tourapi/pkg/queue"
	"tourapi/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies 路由需要的服务，由 main 统一创建
type Dependencies struct {
	Wholesalers *services.WholesalerService
	Mappings    *services.MappingService
	Sync        *services.TourSyncService
	Cleanup     *services.SyncCleanupService
	SyncLogs    *services.SyncLogService
	Tours       *services.TourService
	Aggregation *services.AggregationService
	Search      *services.SearchService
	Settings    *services.SettingsService
	References  *services.ReferenceService
	Queue       *queue.RedisQueue
	CORS        config.CORSConfig
}

// SetupRouter 设置路由
func SetupRouter(deps *Dependencies) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	router.Use(middleware.SetupCORS(deps.CORS))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	registerRoutes(router, deps)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, deps *Dependencies) {
	api := router.Group("/api/v1")
	{
		// 健康检查接口
		api.GET("/health", healthCheck(deps.Queue))
		api.GET("/ping", ping)

		wholesalerHandler := handlers.NewWholesalerHandler(deps.Wholesalers)
		mappingHandler := handlers.NewMappingHandler(deps.Mappings)
		syncHandler := handlers.NewSyncHandler(deps.Sync, deps.Cleanup, deps.SyncLogs, deps.Queue)
		tourHandler := handlers.NewTourHandler(deps.Tours, deps.Aggregation)

		// 批发商与接口配置
		wholesalers := api.Group("/wholesalers")
		{
			wholesalers.POST("", wholesalerHandler.Create)
			wholesalers.GET("", wholesalerHandler.List)
			wholesalers.GET("/:id", wholesalerHandler.GetByID)
			wholesalers.PUT("/:id", wholesalerHandler.Update)
			wholesalers.DELETE("/:id", wholesalerHandler.Delete)
			wholesalers.POST("/:id/enable", wholesalerHandler.Enable)
			wholesalers.POST("/:id/disable", wholesalerHandler.Disable)
			wholesalers.POST("/:id/test-connection", wholesalerHandler.TestConnection)

			// 字段映射
			wholesalers.GET("/:id/mappings", mappingHandler.List)
			wholesalers.PUT("/:id/mappings", mappingHandler.Replace)
			wholesalers.POST("/:id/mappings", mappingHandler.Upsert)
			wholesalers.DELETE("/:id/mappings/:rule_id", mappingHandler.Delete)
			wholesalers.POST("/:id/mappings/preview", mappingHandler.Preview)

			// 同步
			wholesalers.POST("/:id/sync", syncHandler.Trigger)
			wholesalers.GET("/:id/cursors", syncHandler.ListCursors)
			wholesalers.DELETE("/:id/cursors/:sync_type", syncHandler.ResetCursor)
			wholesalers.POST("/:id/recalculate", tourHandler.RecalculateWholesaler)
		}

		syncGroup := api.Group("/sync")
		{
			syncGroup.GET("/jobs/:job_id", syncHandler.JobStatus)
			syncGroup.GET("/logs", syncHandler.ListLogs)
			syncGroup.GET("/logs/:id", syncHandler.GetLog)
			syncGroup.POST("/logs/:id/cancel", syncHandler.Cancel)
			syncGroup.GET("/errors", syncHandler.ListErrors)
			syncGroup.POST("/errors/:id/resolve", syncHandler.ResolveError)
		}

		// 线路与团期
		tours := api.Group("/tours")
		{
			tours.GET("", tourHandler.List)
			tours.POST("", tourHandler.Create)
			tours.GET("/:id", tourHandler.GetByID)
			tours.PUT("/:id", tourHandler.Update)
			tours.POST("/:id/clear-overrides", tourHandler.ClearOverrides)
			tours.POST("/:id/lock", tourHandler.SetSyncLock)
			tours.POST("/:id/recalculate", tourHandler.Recalculate)
		}
		api.PUT("/periods/:id", tourHandler.UpdatePeriod)

		// 联合搜索
		searchHandler := handlers.NewSearchHandler(deps.Search)
		api.POST("/search", searchHandler.Search)

		// 全局设置
		settingsHandler := handlers.NewSettingsHandler(deps.Settings, deps.References)
		settings := api.Group("/settings")
		{
			settings.GET("", settingsHandler.List)
			settings.GET("/:key", settingsHandler.Get)
			settings.PUT("/:key", settingsHandler.Set)
		}
		api.POST("/references/refresh", settingsHandler.RefreshReferences)

		// WebSocket 同步进度
		wsHandler := handlers.NewWebSocketHandler(deps.Queue, deps.SyncLogs)
		api.GET("/ws/sync/:sync_id", wsHandler.SyncProgress)
	}
}

func healthCheck(jobQueue *queue.RedisQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if sqlDB, err := database.GetDB().DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "unavailable"
		}
		redisStatus := "disabled"
		if jobQueue != nil {
			redisStatus = "ok"
			if err := jobQueue.Ping(ctx); err != nil {
				redisStatus = "unavailable"
			}
		}

		data := map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now(),
			"service":   "tourapi",
			"version":   "1.0.0",
			"database":  dbStatus,
			"redis":     redisStatus,
		}
		response.Success(c, data)
	}
}

func ping(c *gin.Context) {
	response.SuccessWithMessage(c, "pong", nil)
}
