package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tourapi/internal/database"
	"tourapi/internal/router"
	"tourapi/internal/services"
	"tourapi/pkg/config"
	"tourapi/pkg/crypto"
	"tourapi/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting tour catalog service...")

	// 初始化数据库
	if err := database.Initialize(cfg); err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
		if err := database.CloseRedisQueue(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()

	if err := database.Migrate(); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	if err := seedData(); err != nil {
		appLogger.Fatalf("Failed to initialize seed data: %v", err)
	}

	gin.SetMode(cfg.Server.Mode)

	db := database.GetDB()
	jobQueue := database.GetRedisQueue()
	if err := jobQueue.Ping(context.Background()); err != nil {
		appLogger.Warnf("Redis unavailable, sync jobs and search cache may fail: %v", err)
	}

	// 服务装配
	cipher := crypto.NewCipher(cfg.Credential.EncryptionKey)
	adapters := services.NewAdapterFactory(cipher, nil)
	references := services.NewReferenceService(db)
	settings := services.NewSettingsService(db)
	aggregation := services.NewAggregationService(db, settings)
	cleanup := services.NewSyncCleanupService(db)

	syncService := services.NewTourSyncService(db, adapters, references, aggregation, services.TourSyncOptions{
		DefaultChunkSize:        cfg.Sync.DefaultChunkSize,
		DefaultHeartbeatTimeout: cfg.Sync.DefaultHeartbeatTimeout,
		MaxChunksPerRun:         cfg.Sync.MaxChunksPerRun,
	})
	syncService.SetProgressPublisher(jobQueue)

	// 启动同步调度器（在路由初始化前）
	scheduler := services.NewTourSyncScheduler(db, jobQueue, cleanup, cfg.Sync.StuckSweepSpec)
	services.SetTourSyncScheduler(scheduler)
	if err := scheduler.Start(); err != nil {
		appLogger.Errorf("Failed to start tour sync scheduler: %v", err)
	}
	defer scheduler.Stop()

	// 同步工作池
	workerPool := services.NewSyncWorkerPool(jobQueue, syncService, cfg.Sync.WorkerCount)
	workerPool.Start(context.Background())
	defer workerPool.Stop()

	wholesalers := services.NewWholesalerService(db, cipher, adapters)
	search := services.NewSearchService(db, adapters, references, database.GetRedisCache(), services.SearchOptions{
		SourceTimeout: time.Duration(cfg.Sync.SearchTimeoutSeconds) * time.Second,
		CacheTTL:      time.Duration(cfg.Sync.SearchCacheTTLSeconds) * time.Second,
		Concurrency:   cfg.Sync.SearchConcurrency,
	})

	r := router.SetupRouter(&router.Dependencies{
		Wholesalers: wholesalers,
		Mappings:    services.NewMappingService(db, references, adapters),
		Sync:        syncService,
		Cleanup:     cleanup,
		SyncLogs:    services.NewSyncLogService(db),
		Tours:       services.NewTourService(db, aggregation),
		Aggregation: aggregation,
		Search:      search,
		Settings:    settings,
		References:  references,
		Queue:       jobQueue,
		CORS:        cfg.CORS,
	})

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// 联合搜索需要等待各批发商接口
		WriteTimeout: time.Duration(cfg.Sync.SearchTimeoutSeconds+10) * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
