package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	blobmemory "mailsink/backend/internal/blob/memory"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage/memory"
)

// seedStoredAttachments 给收件箱写入一封带 n 个附件的邮件，返回存储路径
func seedStoredAttachments(t *testing.T, store *memory.Store, attachments *AttachmentStore, inbox *domain.Inbox, n int) []string {
	t.Helper()
	ctx := context.Background()
	emailID := "email-" + inbox.ID
	require.NoError(t, store.CreateEmail(ctx, &domain.Email{ID: emailID, InboxID: inbox.ID, MessageID: "<" + inbox.ID + ">"}))

	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		saved, err := attachments.Store(ctx, StoreInput{
			OwnerID:  inbox.OwnerKey(),
			InboxID:  inbox.ID,
			EmailID:  emailID,
			Filename: fmt.Sprintf("file-%d.txt", i),
			Data:     []byte(fmt.Sprintf("content %d", i)),
		})
		require.NoError(t, err)
		paths = append(paths, saved.StoragePath)
	}
	return paths
}

func TestReaper_ReclaimsOnlyExpiredInboxes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blobmemory.NewStore()
	attachments := NewAttachmentStore(store, blobs, zap.NewNop())

	expired := seedInbox(t, store, "old@temp.mail", 10, time.Now().Add(-time.Minute))
	active := seedInbox(t, store, "new@temp.mail", 10, time.Now().Add(time.Hour))
	expiredPaths := seedStoredAttachments(t, store, attachments, expired, 5)
	activePaths := seedStoredAttachments(t, store, attachments, active, 2)

	metrics := monitoring.NewMetrics()
	// 批大小小于附件数，覆盖分页
	reaper := NewReaper(store, blobs, 2, 3, metrics, zap.NewNop())

	report, err := reaper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 5, report.BlobsDeleted)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 5, report.RowsCleaned)
	assert.Equal(t, int64(1), report.InboxesDeactivated)

	for _, p := range expiredPaths {
		assert.False(t, blobs.Has(p))
	}
	for _, p := range activePaths {
		assert.True(t, blobs.Has(p))
	}

	rows, err := store.ListAttachmentsByEmail(ctx, "email-"+active.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.ReaperBlobs.WithLabelValues("deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReaperRuns.WithLabelValues("success")))

	t.Run("重复执行是空操作", func(t *testing.T) {
		again, err := reaper.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Scanned)
		assert.Equal(t, 0, again.Failed)
		assert.Equal(t, 2, blobs.Len())
	})
}

func TestReaper_MissingBlobCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blobmemory.NewStore()
	attachments := NewAttachmentStore(store, blobs, zap.NewNop())

	expired := seedInbox(t, store, "old@temp.mail", 10, time.Now().Add(-time.Minute))
	paths := seedStoredAttachments(t, store, attachments, expired, 2)
	require.NoError(t, blobs.Delete(ctx, paths[0]))

	report, err := NewReaper(store, blobs, 10, 2, nil, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BlobsDeleted)
	assert.Equal(t, 1, report.BlobsMissing)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, report.RowsCleaned)
}

func TestReaper_DeleteFailureIsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := &failingBlobStore{Store: blobmemory.NewStore()}
	attachments := NewAttachmentStore(store, blobs, zap.NewNop())

	expired := seedInbox(t, store, "old@temp.mail", 10, time.Now().Add(-time.Minute))
	seedStoredAttachments(t, store, attachments, expired, 3)

	blobs.failDelete = true
	reaper := NewReaper(store, blobs, 10, 2, nil, zap.NewNop())

	report, err := reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failed)
	assert.Len(t, report.Errors, 3)
	assert.Equal(t, 0, report.RowsCleaned)

	blobs.failDelete = false
	report, err = reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.BlobsDeleted)
	assert.Equal(t, 3, report.RowsCleaned)
	assert.Equal(t, 0, blobs.Len())
}

func TestReaper_RejectsOverlappingRuns(t *testing.T) {
	reaper := NewReaper(memory.NewStore(), blobmemory.NewStore(), 0, 0, nil, zap.NewNop())
	reaper.running.Store(true)

	_, err := reaper.Run(context.Background())
	assert.ErrorIs(t, err, ErrReaperBusy)
}

func TestReaper_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewReaper(memory.NewStore(), blobmemory.NewStore(), 0, 0, nil, zap.NewNop()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Scanned)
}
