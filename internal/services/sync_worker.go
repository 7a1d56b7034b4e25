package services

import (
	"context"
	"errors"
	"sync"
	"time"
	"tourapi/internal/models"
	"tourapi/pkg/logger"
	"tourapi/pkg/queue"

	"github.com/sirupsen/logrus"
)

// SyncJobSource 同步任务出队
type SyncJobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.SyncJob, error)
	UpdateJobStatus(ctx context.Context, jobID, status, message string) error
}

// SyncRunner 执行一次同步
type SyncRunner interface {
	RunSync(ctx context.Context, wholesalerID uint, syncType, triggeredBy string) (*models.SyncLog, error)
}

// SyncWorkerPool 从队列消费同步任务
type SyncWorkerPool struct {
	source  SyncJobSource
	runner  SyncRunner
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncWorkerPool 创建同步工作池
func NewSyncWorkerPool(source SyncJobSource, runner SyncRunner, workers int) *SyncWorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &SyncWorkerPool{
		source:  source,
		runner:  runner,
		workers: workers,
	}
}

// Start 启动消费者
func (p *SyncWorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.consume(i)
	}
	logger.GetLogger().Infof("同步工作池启动，消费者数量: %d", p.workers)
}

// Stop 停止消费并等待正在执行的同步结束
func (p *SyncWorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	logger.GetLogger().Info("同步工作池已停止")
}

func (p *SyncWorkerPool) consume(consumerID int) {
	defer p.wg.Done()

	log := logger.GetLogger().WithField("consumer_id", consumerID)
	for {
		select {
		case <-p.ctx.Done():
			log.Info("同步消费者收到退出信号")
			return
		default:
			if err := p.processNext(log); err != nil {
				log.WithError(err).Error("获取同步任务失败")
				time.Sleep(time.Second)
			}
		}
	}
}

// processNext 处理一个任务，没有任务时返回 nil
func (p *SyncWorkerPool) processNext(log *logrus.Entry) error {
	job, err := p.source.Dequeue(p.ctx, time.Second)
	if err != nil {
		if p.ctx.Err() != nil {
			return nil
		}
		return err
	}
	if job == nil {
		return nil
	}
	p.handle(job, log)
	return nil
}

func (p *SyncWorkerPool) handle(job *queue.SyncJob, log *logrus.Entry) {
	jobLog := log.WithFields(logrus.Fields{
		"job_id":        job.JobID,
		"wholesaler_id": job.WholesalerID,
		"sync_type":     job.SyncType,
		"triggered_by":  job.TriggeredBy,
	})
	jobLog.Info("开始执行同步任务")
	p.source.UpdateJobStatus(p.ctx, job.JobID, "running", "")

	syncLog, err := p.runner.RunSync(p.ctx, job.WholesalerID, job.SyncType, job.TriggeredBy)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrSyncAlreadyRunning) || errors.Is(err, ErrSyncDisabled) {
			status = "skipped"
		}
		jobLog.WithError(err).Warn("同步任务未执行")
		p.source.UpdateJobStatus(context.WithoutCancel(p.ctx), job.JobID, status, err.Error())
		return
	}

	jobLog.WithField("sync_id", syncLog.SyncID).Infof("同步任务结束: %s", syncLog.Status)
	p.source.UpdateJobStatus(context.WithoutCancel(p.ctx), job.JobID, syncLog.Status, syncLog.SyncID)
}
