package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/pool"
)

// publishTimeout 单个事件的发布超时
const publishTimeout = 10 * time.Second

// Dispatcher 通过协程池异步发布事件，发布失败只记日志和指标，不影响请求
type Dispatcher struct {
	publisher Publisher
	pool      *pool.WorkerPool
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewDispatcher 创建异步分发器，调用方负责 Start/Stop
func NewDispatcher(publisher Publisher, workers, queueSize int, metrics *monitoring.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		pool:      pool.NewWorkerPool("events", workers, queueSize, log),
		metrics:   metrics,
		log:       log,
	}
}

// Start 启动后台发布协程
func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.Start(ctx)
}

// Dispatch 把事件放入发布队列，队列满时丢弃
func (d *Dispatcher) Dispatch(evt *EmailReceived) {
	ok := d.pool.TrySubmit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		if err := d.publisher.Publish(ctx, evt); err != nil {
			d.metrics.RecordEventPublish("failed")
			d.log.Warn("failed to publish email event",
				zap.String("email_id", evt.EmailID),
				zap.String("inbox_id", evt.InboxID),
				zap.Error(err),
			)
			return
		}
		d.metrics.RecordEventPublish("published")
	})
	if !ok {
		d.metrics.RecordEventPublish("dropped")
		d.log.Warn("event queue full, dropping email event",
			zap.String("email_id", evt.EmailID),
			zap.Int("pending", d.pool.Pending()),
		)
	}
}

// Stop 等待队列中的事件发布完毕并关闭发布者
func (d *Dispatcher) Stop() error {
	d.pool.Stop()
	return d.publisher.Close()
}
