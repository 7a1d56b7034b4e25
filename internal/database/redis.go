package database

import (
	"sync"
	"tourapi/pkg/cache"
	"tourapi/pkg/config"
	"tourapi/pkg/queue"
)

var (
	redisQueueInstance *queue.RedisQueue
	redisQueueOnce     sync.Once
	redisCacheInstance *cache.RedisCache
	redisCacheOnce     sync.Once
)

// GetRedisQueue 获取Redis队列的单例实例
func GetRedisQueue() *queue.RedisQueue {
	redisQueueOnce.Do(func() {
		cfg := config.GetConfig()
		redisQueueInstance = queue.NewRedisQueue(&queue.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	})
	return redisQueueInstance
}

// GetRedisCache 获取Redis缓存，与队列共用连接
func GetRedisCache() *cache.RedisCache {
	redisCacheOnce.Do(func() {
		redisCacheInstance = cache.NewRedisCache(GetRedisQueue().GetClient(), config.GetConfig().Redis.Prefix)
	})
	return redisCacheInstance
}

// CloseRedisQueue 关闭Redis连接
func CloseRedisQueue() error {
	if redisQueueInstance != nil {
		return redisQueueInstance.Close()
	}
	return nil
}
