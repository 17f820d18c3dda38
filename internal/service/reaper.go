package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailsink/backend/internal/blob"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

// ErrReaperBusy 上一次清理尚未结束
var ErrReaperBusy = errors.New("reaper run already in progress")

// 清理任务默认参数
const (
	DefaultReaperBatchSize   = 200
	DefaultReaperConcurrency = 8
	maxReportedErrors        = 50
)

// ReapReport 单次清理的统计结果
type ReapReport struct {
	Scanned            int           `json:"scanned"`
	BlobsDeleted       int           `json:"blobsDeleted"`
	BlobsMissing       int           `json:"blobsMissing"`
	Failed             int           `json:"failed"`
	Errors             []string      `json:"errors,omitempty"`
	RowsCleaned        int           `json:"rowsCleaned"`
	InboxesDeactivated int64         `json:"inboxesDeactivated"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"duration"`
}

func (r *ReapReport) addError(msg string) {
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// ReaperStore 清理任务需要的仓储能力
type ReaperStore interface {
	storage.InboxRepository
	storage.AttachmentRepository
	storage.CleanupRepository
}

// Reaper 回收过期收件箱的附件存储。
//
// 可重复执行：已删除的对象按成功处理，未过期收件箱的附件不会被扫描到。
type Reaper struct {
	store       ReaperStore
	blobs       blob.Store
	batchSize   int
	concurrency int
	metrics     *monitoring.Metrics
	log         *zap.Logger
	now         func() time.Time

	running atomic.Bool
}

// NewReaper 创建清理任务
func NewReaper(store ReaperStore, blobs blob.Store, batchSize, concurrency int, metrics *monitoring.Metrics, log *zap.Logger) *Reaper {
	if batchSize <= 0 {
		batchSize = DefaultReaperBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultReaperConcurrency
	}
	return &Reaper{
		store:       store,
		blobs:       blobs,
		batchSize:   batchSize,
		concurrency: concurrency,
		metrics:     metrics,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run 执行一次完整清理。
//
// ctx 取消后会让当前批次处理完再返回。单个对象删除失败只计入报告，
// 存储过程或停用收件箱失败时返回错误，报告依然有效。
func (r *Reaper) Run(ctx context.Context) (*ReapReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrReaperBusy
	}
	defer r.running.Store(false)

	report := &ReapReport{StartedAt: r.now()}
	err := r.run(ctx, report)
	report.Duration = time.Since(report.StartedAt)

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case report.Failed > 0:
		result = "partial"
	}
	r.metrics.RecordReaperRun(result, report.BlobsDeleted, report.BlobsMissing, report.Failed,
		report.RowsCleaned, report.InboxesDeactivated, report.Duration)

	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("blobs_deleted", report.BlobsDeleted),
		zap.Int("blobs_missing", report.BlobsMissing),
		zap.Int("failed", report.Failed),
		zap.Int("rows_cleaned", report.RowsCleaned),
		zap.Int64("inboxes_deactivated", report.InboxesDeactivated),
		zap.Duration("duration", report.Duration),
	}
	if err != nil {
		r.log.Error("reaper run failed", append(fields, zap.Error(err))...)
	} else {
		r.log.Info("reaper run finished", fields...)
	}
	return report, err
}

func (r *Reaper) run(ctx context.Context, report *ReapReport) error {
	cutoff := report.StartedAt
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// 批次开始后不再响应取消
		batchCtx := context.WithoutCancel(ctx)
		batch, err := r.store.ListExpiredAttachments(batchCtx, cutoff, afterID, r.batchSize)
		if err != nil {
			return fmt.Errorf("list expired attachments: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		r.reapBatch(batchCtx, batch, report)
		afterID = batch[len(batch)-1].AttachmentID

		if len(batch) < r.batchSize {
			break
		}
	}

	cleanup, err := r.store.ScheduledAttachmentCleanup(ctx)
	if err != nil {
		report.addError(err.Error())
		return fmt.Errorf("%w: attachment cleanup: %v", domain.ErrPersistence, err)
	}
	report.RowsCleaned = cleanup.DeletedCount
	for _, msg := range cleanup.Errors {
		report.addError(msg)
	}

	deactivated, err := r.store.DeactivateExpiredInboxes(ctx, cutoff)
	if err != nil {
		report.addError(err.Error())
		return fmt.Errorf("%w: deactivate expired inboxes: %v", domain.ErrPersistence, err)
	}
	report.InboxesDeactivated = deactivated
	return nil
}

// reapBatch 并发删除一批对象，再清空已回收附件的 storage_path
func (r *Reaper) reapBatch(ctx context.Context, batch []domain.ExpiredAttachment, report *ReapReport) {
	var (
		mu        sync.Mutex
		reclaimed = make([]string, 0, len(batch))
	)

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, item := range batch {
		g.Go(func() error {
			err := r.blobs.Delete(ctx, item.StoragePath)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.BlobsDeleted++
				reclaimed = append(reclaimed, item.AttachmentID)
			case errors.Is(err, blob.ErrNotFound):
				report.BlobsMissing++
				reclaimed = append(reclaimed, item.AttachmentID)
			default:
				report.Failed++
				report.addError(fmt.Sprintf("%s: %v", item.StoragePath, err))
				r.log.Warn("failed to delete attachment blob",
					zap.String("attachment_id", item.AttachmentID),
					zap.String("inbox_id", item.InboxID),
					zap.String("storage_path", item.StoragePath),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Scanned += len(batch)

	if len(reclaimed) == 0 {
		return
	}
	if err := r.store.ClearStoragePaths(ctx, reclaimed); err != nil {
		// 下次运行会再次扫描到这些附件，删除缺失对象按成功处理
		report.addError(fmt.Sprintf("clear storage paths: %v", err))
		r.log.Error("failed to clear storage paths",
			zap.Int("count", len(reclaimed)),
			zap.Error(err),
		)
	}
}
