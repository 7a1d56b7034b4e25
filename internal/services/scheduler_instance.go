package services

import "sync"

var (
	tourSyncSchedulerInstance *TourSyncScheduler
	tourSyncSchedulerOnce     sync.Once
)

// SetTourSyncScheduler 设置全局线路同步调度器实例
func SetTourSyncScheduler(scheduler *TourSyncScheduler) {
	tourSyncSchedulerOnce.Do(func() {
		tourSyncSchedulerInstance = scheduler
	})
}

// GetTourSyncScheduler 获取全局线路同步调度器实例
func GetTourSyncScheduler() *TourSyncScheduler {
	return tourSyncSchedulerInstance
}
