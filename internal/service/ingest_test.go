package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmemory "mailsink/backend/internal/blob/memory"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/storage/memory"
)

func formMessage(recipient, messageID string, attachments ...domain.NormalizedAttachment) *domain.NormalizedMessage {
	return &domain.NormalizedMessage{
		Source:    domain.SourceForm,
		Recipient: recipient,
		From:      "alice@example.com",
		Subject:   "Hello",
		TextBody:  "See you tomorrow.",
		Headers: map[string]string{
			"Authentication-Results": "mx.example.com; spf=pass; dkim=pass; dmarc=pass",
		},
		MessageID:   messageID,
		Attachments: attachments,
		ReceivedAt:  time.Now().UTC(),
	}
}

func TestIngest_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	inbox := seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	msg := formMessage("Box <box@temp.mail>", "<m1@example.com>",
		domain.NormalizedAttachment{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("notes")},
		domain.NormalizedAttachment{Filename: "setup.exe", ContentType: "application/octet-stream", Data: []byte("MZ")},
	)

	result, err := f.service.Ingest(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, inbox.ID, result.InboxID)
	assert.False(t, result.IsSpam)
	assert.False(t, result.Duplicate)
	require.Len(t, result.Attachments, 2)

	stored := result.Attachments[0]
	assert.Equal(t, AttachmentStored, stored.Status)
	assert.Equal(t, security.HashContent([]byte("notes")), stored.FileHash)
	assert.True(t, f.blobs.Has(stored.StoragePath))

	blocked := result.Attachments[1]
	assert.Equal(t, AttachmentBlocked, blocked.Status)
	assert.NotEmpty(t, blocked.Reason)
	assert.Empty(t, blocked.StoragePath)
	assert.Equal(t, 1, f.blobs.Len())

	email, err := f.store.GetEmail(ctx, result.EmailID)
	require.NoError(t, err)
	assert.Equal(t, "box@temp.mail", email.ToAddress)
	assert.Equal(t, 2, email.AttachmentCount)
	assert.Equal(t, int64(len("notes")), email.TotalSizeBytes)

	updated, err := f.store.GetInbox(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentEmailCount)

	published := f.dispatcher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, result.EmailID, published[0].EmailID)
	assert.Equal(t, 2, published[0].AttachmentCount)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AttachmentsTotal.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AttachmentsTotal.WithLabelValues("blocked")))
}

func TestIngest_UnknownRecipient(t *testing.T) {
	f := newIngestFixture(t)

	result, err := f.service.Ingest(context.Background(), formMessage("ghost@nonexistent", "<m1>",
		domain.NormalizedAttachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("a")},
	))
	assert.ErrorIs(t, err, domain.ErrInboxNotFound)
	assert.Equal(t, StateRejected, result.State)
	assert.Empty(t, result.EmailID)
	assert.Equal(t, 0, f.blobs.Len())
	assert.Empty(t, f.dispatcher.Events())
}

func TestIngest_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	inbox := seedInbox(t, f.store, "box@temp.mail", 1, time.Now().Add(time.Hour))

	_, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<m1>"))
	require.NoError(t, err)

	result, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<m2>",
		domain.NormalizedAttachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("a")},
	))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, StateRejected, result.State)
	assert.Empty(t, result.EmailID)
	assert.Equal(t, 0, f.blobs.Len())

	updated, err := f.store.GetInbox(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentEmailCount)
}

func TestIngest_DuplicateMessage(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	inbox := seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	attachment := domain.NormalizedAttachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("a")}
	first, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<retry@example.com>", attachment))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<retry@example.com>", attachment))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, StateDone, second.State)
	assert.Empty(t, second.Attachments)

	updated, err := f.store.GetInbox(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentEmailCount)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Len(t, f.dispatcher.Events(), 1)
}

func TestIngest_GeneratesMissingMessageID(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	first, err := f.service.Ingest(ctx, formMessage("box@temp.mail", ""))
	require.NoError(t, err)
	second, err := f.service.Ingest(ctx, formMessage("box@temp.mail", ""))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(first.MessageID, "@"+generatedMessageDomain+">"))
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.False(t, second.Duplicate)
}

func TestIngest_JSONAllAuthFailIsSpam(t *testing.T) {
	f := newIngestFixture(t)
	seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	msg := &domain.NormalizedMessage{
		Source:    domain.SourceJSON,
		Recipient: "box@temp.mail",
		From:      "alice@example.com",
		Subject:   "Hello",
		TextBody:  "See you tomorrow.",
		MessageID: "json-1",
		Auth: domain.AuthResults{
			SPF:   domain.AuthResultFromBool(boolPtr(false)),
			DKIM:  domain.AuthResultFromBool(boolPtr(false)),
			DMARC: domain.AuthResultFromBool(boolPtr(false)),
		},
	}

	result, err := f.service.Ingest(context.Background(), msg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.SpamScore, 5.0)
	assert.True(t, result.IsSpam)

	email, err := f.store.GetEmail(context.Background(), result.EmailID)
	require.NoError(t, err)
	assert.True(t, email.IsSpam, "spam is flagged but still delivered")
}

func TestIngest_IdenticalBytesOnTwoEmails(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	seedInbox(t, f.store, "one@temp.mail", 10, time.Now().Add(time.Hour))
	seedInbox(t, f.store, "two@temp.mail", 10, time.Now().Add(time.Hour))

	data := []byte("same content")
	first, err := f.service.Ingest(ctx, formMessage("one@temp.mail", "<a>",
		domain.NormalizedAttachment{Filename: "first.txt", ContentType: "text/plain", Data: data}))
	require.NoError(t, err)
	second, err := f.service.Ingest(ctx, formMessage("two@temp.mail", "<b>",
		domain.NormalizedAttachment{Filename: "second.txt", ContentType: "text/plain", Data: data}))
	require.NoError(t, err)

	a, b := first.Attachments[0], second.Attachments[0]
	assert.Equal(t, AttachmentStored, a.Status)
	assert.Equal(t, AttachmentStored, b.Status)
	assert.Equal(t, a.FileHash, b.FileHash)
	assert.NotEqual(t, a.StoragePath, b.StoragePath)
	assert.Equal(t, 2, f.blobs.Len())
}

func TestIngest_MetadataFailureKeepsEmail(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blobmemory.NewStore()
	f := newIngestFixtureWith(t, store, &failingAttachmentStore{Store: store}, blobs)
	seedInbox(t, store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	result, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<m1>",
		domain.NormalizedAttachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("a")},
	))
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)
	require.Len(t, result.Attachments, 1)
	assert.Equal(t, AttachmentFailed, result.Attachments[0].Status)
	assert.Equal(t, 0, blobs.Len(), "orphaned blob is deleted")

	email, err := store.GetEmail(ctx, result.EmailID)
	require.NoError(t, err)
	assert.Equal(t, "box@temp.mail", email.ToAddress)
	assert.Equal(t, 0, email.AttachmentCount)
}

func TestIngest_BlobFailureKeepsEmail(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := &failingBlobStore{Store: blobmemory.NewStore(), failPut: true}
	f := newIngestFixtureWith(t, store, store, blobs)
	seedInbox(t, store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	result, err := f.service.Ingest(ctx, formMessage("box@temp.mail", "<m1>",
		domain.NormalizedAttachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("a")},
	))
	require.NoError(t, err)
	assert.Equal(t, AttachmentFailed, result.Attachments[0].Status)

	rows, err := store.ListAttachmentsByEmail(ctx, result.EmailID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIngest_OversizeAttachmentBlocked(t *testing.T) {
	f := newIngestFixture(t)
	seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	result, err := f.service.Ingest(context.Background(), formMessage("box@temp.mail", "<big>",
		domain.NormalizedAttachment{Filename: "big.pdf", ContentType: "application/pdf", DeclaredSize: security.MaxAttachmentSize + 1},
	))
	require.NoError(t, err)
	require.Len(t, result.Attachments, 1)
	assert.Equal(t, AttachmentBlocked, result.Attachments[0].Status)
	assert.Equal(t, security.ReasonTooLarge, result.Attachments[0].Reason)
	assert.Equal(t, 0, f.blobs.Len())
}

func TestIngest_AttachmentWithoutContent(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	seedInbox(t, f.store, "box@temp.mail", 10, time.Now().Add(time.Hour))

	msg := formMessage("box@temp.mail", "<empty-content>",
		domain.NormalizedAttachment{Filename: "report.pdf", ContentType: "application/pdf", DeclaredSize: 4096},
		domain.NormalizedAttachment{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("notes"), DeclaredSize: 4096},
	)
	msg.Source = domain.SourceJSON

	result, err := f.service.Ingest(ctx, msg)
	require.NoError(t, err)
	require.Len(t, result.Attachments, 2)

	t.Run("只有声明大小的附件记为失败", func(t *testing.T) {
		missing := result.Attachments[0]
		assert.Equal(t, AttachmentFailed, missing.Status)
		assert.Equal(t, ErrAttachmentContentMissing.Error(), missing.Reason)
		assert.Empty(t, missing.StoragePath)
		assert.Empty(t, missing.AttachmentID)
		assert.Zero(t, missing.Size)
	})

	t.Run("大小以实际内容为准", func(t *testing.T) {
		stored := result.Attachments[1]
		assert.Equal(t, AttachmentStored, stored.Status)
		assert.Equal(t, int64(len("notes")), stored.Size)

		rows, err := f.store.ListAttachmentsByEmail(ctx, result.EmailID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(len("notes")), rows[0].FileSize)
	})

	t.Run("不写入 blob，合计不含失败附件", func(t *testing.T) {
		assert.Equal(t, 1, f.blobs.Len())

		email, err := f.store.GetEmail(ctx, result.EmailID)
		require.NoError(t, err)
		assert.Equal(t, 1, email.AttachmentCount)
		assert.Equal(t, int64(len("notes")), email.TotalSizeBytes)
	})
}
