package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisQueue 基于Redis列表的同步任务队列
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// SyncJob 队列中的同步任务消息
type SyncJob struct {
	JobID        string `json:"job_id"`
	WholesalerID uint   `json:"wholesaler_id"`
	SyncType     string `json:"sync_type"`    // incremental/full
	TriggeredBy  string `json:"triggered_by"` // schedule/manual
	Created      int64  `json:"created"`
}

// Config Redis配置
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// ErrJobPending 同一批发商同一类型的任务已在队列中
var ErrJobPending = errors.New("同步任务已在队列中")

// pendingTTL 排队标记的最长保留时间，防止Worker崩溃后标记永不释放
const pendingTTL = 2 * time.Hour

// NewRedisQueue 创建Redis队列实例
func NewRedisQueue(config *Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.Prefix
	if prefix == "" {
		prefix = "tourapi"
	}

	return &RedisQueue{
		client: client,
		prefix: prefix,
	}
}

// Close 关闭Redis连接
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping 测试Redis连接
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue 将同步任务加入队列
// 同一批发商同一同步类型在出队前只允许排队一次
func (q *RedisQueue) Enqueue(ctx context.Context, job SyncJob) error {
	if job.Created == 0 {
		job.Created = time.Now().Unix()
	}

	ok, err := q.client.SetNX(ctx, q.getPendingKey(job.WholesalerID, job.SyncType), job.JobID, pendingTTL).Result()
	if err != nil {
		return fmt.Errorf("设置排队标记失败: %v", err)
	}
	if !ok {
		return ErrJobPending
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化同步任务失败: %v", err)
	}

	if err := q.client.LPush(ctx, q.getQueueKey(), data).Err(); err != nil {
		q.client.Del(ctx, q.getPendingKey(job.WholesalerID, job.SyncType))
		return fmt.Errorf("同步任务入队失败: %v", err)
	}

	q.client.HSet(ctx, q.getJobKey(job.JobID), map[string]interface{}{
		"job_id":        job.JobID,
		"wholesaler_id": job.WholesalerID,
		"sync_type":     job.SyncType,
		"status":        "queued",
		"queued_at":     job.Created,
	})
	q.client.Expire(ctx, q.getJobKey(job.JobID), 24*time.Hour)

	return nil
}

// Dequeue 阻塞获取一个同步任务，超时返回 nil, nil
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*SyncJob, error) {
	result, err := q.client.BRPop(ctx, timeout, q.getQueueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同步任务出队失败: %v", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job SyncJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("解析同步任务失败: %v", err)
	}

	q.client.Del(ctx, q.getPendingKey(job.WholesalerID, job.SyncType))
	return &job, nil
}

// UpdateJobStatus 更新任务状态
func (q *RedisQueue) UpdateJobStatus(ctx context.Context, jobID, status, message string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Unix(),
	}
	if message != "" {
		updates["message"] = message
	}
	return q.client.HSet(ctx, q.getJobKey(jobID), updates).Err()
}

// GetJobStatus 获取任务状态
func (q *RedisQueue) GetJobStatus(ctx context.Context, jobID string) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, q.getJobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取任务状态失败: %v", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("任务不存在")
	}
	return result, nil
}

// Length 队列长度
func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.getQueueKey()).Result()
}

// getQueueKey 获取队列键名
func (q *RedisQueue) getQueueKey() string {
	return fmt.Sprintf("%s:sync:queue", q.prefix)
}

// getJobKey 获取任务键名
func (q *RedisQueue) getJobKey(jobID string) string {
	return fmt.Sprintf("%s:sync:job:%s", q.prefix, jobID)
}

// getPendingKey 获取排队标记键名
func (q *RedisQueue) getPendingKey(wholesalerID uint, syncType string) string {
	return fmt.Sprintf("%s:sync:pending:%d:%s", q.prefix, wholesalerID, syncType)
}

// GetClient 获取Redis客户端（用于缓存等共享连接的场景）
func (q *RedisQueue) GetClient() *redis.Client {
	return q.client
}

// PublishProgress 发布同步进度，供 WebSocket 订阅转发
func (q *RedisQueue) PublishProgress(ctx context.Context, syncID string, data []byte) error {
	return q.client.Publish(ctx, q.ProgressChannel(syncID), data).Err()
}

// ProgressChannel 同步进度频道名
func (q *RedisQueue) ProgressChannel(syncID string) string {
	return fmt.Sprintf("%s:sync:progress:%s", q.prefix, syncID)
}
