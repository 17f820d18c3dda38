package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/blob"
	blobmemory "mailsink/backend/internal/blob/memory"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/events"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/memory"
)

var errInjected = errors.New("injected failure")

// failingAttachmentStore 元数据写入总是失败，模拟数据库故障
type failingAttachmentStore struct {
	*memory.Store
}

func (s *failingAttachmentStore) CreateAttachment(context.Context, *domain.Attachment) error {
	return errInjected
}

// failingBlobStore 按配置让 Put 或 Delete 失败
type failingBlobStore struct {
	*blobmemory.Store
	failPut    bool
	failDelete bool
}

func (s *failingBlobStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if s.failPut {
		return errInjected
	}
	return s.Store.Put(ctx, path, data, contentType)
}

func (s *failingBlobStore) Delete(ctx context.Context, path string) error {
	if s.failDelete {
		return errInjected
	}
	return s.Store.Delete(ctx, path)
}

var _ blob.Store = (*failingBlobStore)(nil)

// recordingDispatcher 记录同步分发的事件
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*events.EmailReceived
}

func (d *recordingDispatcher) Dispatch(evt *events.EmailReceived) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *recordingDispatcher) Events() []*events.EmailReceived {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*events.EmailReceived(nil), d.events...)
}

// seedInbox 在内存存储中创建一个收件箱
func seedInbox(t *testing.T, store *memory.Store, address string, maxEmails int, expiresAt time.Time) *domain.Inbox {
	t.Helper()
	inbox := &domain.Inbox{
		ID:               "inbox-" + address,
		EmailAddress:     address,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		IsActive:         true,
		MaxEmails:        maxEmails,
		SubscriptionTier: domain.TierFree,
	}
	require.NoError(t, store.CreateInbox(context.Background(), inbox))
	return inbox
}

// ingestFixture 组装一套基于内存实现的入库流水线
type ingestFixture struct {
	store      *memory.Store
	blobs      *blobmemory.Store
	dispatcher *recordingDispatcher
	metrics    *monitoring.Metrics
	service    *IngestionService
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	store := memory.NewStore()
	blobs := blobmemory.NewStore()
	return newIngestFixtureWith(t, store, store, blobs)
}

// newIngestFixtureWith 允许替换附件仓储和对象存储以注入故障
func newIngestFixtureWith(t *testing.T, store *memory.Store, attachments storage.AttachmentRepository, blobs blob.Store) *ingestFixture {
	t.Helper()
	log := zap.NewNop()
	metrics := monitoring.NewMetrics()
	dispatcher := &recordingDispatcher{}

	svc := NewIngestionService(IngestionDeps{
		Resolver:    NewInboxResolver(store),
		Emails:      store,
		Attachments: NewAttachmentStore(attachments, blobs, log),
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		Log:         log,
	})

	fixture := &ingestFixture{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		service:    svc,
	}
	if mem, ok := blobs.(*blobmemory.Store); ok {
		fixture.blobs = mem
	}
	return fixture
}

func boolPtr(v bool) *bool { return &v }
