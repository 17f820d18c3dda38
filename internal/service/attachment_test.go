package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/blob"
	blobmemory "mailsink/backend/internal/blob/memory"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/storage/memory"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"普通文件名", "report-2024_v1.pdf", "report-2024_v1.pdf"},
		{"空格和括号", "my file (1).txt", "my_file__1_.txt"},
		{"路径分隔符", "../../etc/passwd", "_.._etc_passwd"},
		{"开头的点", ".htaccess", "htaccess"},
		{"非 ASCII", "报告.pdf", "__.pdf"},
		{"空字符串", "", "attachment"},
		{"只有点", "...", "attachment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.input))
		})
	}
}

func TestSanitizeFilename_LongNameKeepsExtension(t *testing.T) {
	name := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(name)
	assert.Len(t, got, maxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestProperty_SanitizeFilename(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("output is non-empty, safe and never starts with a dot", prop.ForAll(
		func(name string) bool {
			out := SanitizeFilename(name)
			if out == "" || strings.HasPrefix(out, ".") || len(out) > maxFilenameLength {
				return false
			}
			for _, r := range out {
				ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
					r == '.' || r == '_' || r == '-'
				if !ok {
					return false
				}
			}
			return blob.ValidatePath("owner/inbox/email/1_"+out) == nil
		},
		gen.AnyString(),
	))

	properties.Property("sanitizing is idempotent", prop.ForAll(
		func(name string) bool {
			once := SanitizeFilename(name)
			return SanitizeFilename(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestBuildStoragePath(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	assert.Equal(t, "user-1/inbox-1/email-1/1700000000123_a.txt",
		BuildStoragePath("user-1", "inbox-1", "email-1", at, "a.txt"))
	assert.Equal(t, "anonymous/inbox-1/email-1/1700000000123_a.txt",
		BuildStoragePath("", "inbox-1", "email-1", at, "a.txt"))
}

// seedEmail 创建收件箱和一封邮件，返回邮件 ID
func seedEmail(t *testing.T, store *memory.Store, address string) (*domain.Inbox, string) {
	t.Helper()
	inbox := seedInbox(t, store, address, 10, time.Now().Add(time.Hour))
	emailID := "email-" + address
	require.NoError(t, store.CreateEmail(context.Background(), &domain.Email{
		ID:        emailID,
		InboxID:   inbox.ID,
		MessageID: "<" + address + ">",
	}))
	return inbox, emailID
}

func TestAttachmentStore_Store(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blobmemory.NewStore()
	inbox, emailID := seedEmail(t, store, "box@temp.mail")

	attachments := NewAttachmentStore(store, blobs, zap.NewNop())
	data := []byte("hello attachment")

	saved, err := attachments.Store(ctx, StoreInput{
		OwnerID:     inbox.OwnerKey(),
		InboxID:     inbox.ID,
		EmailID:     emailID,
		Filename:    "hello world.txt",
		ContentType: "text/plain",
		Data:        data,
		Hash:        security.HashContent(data),
	})
	require.NoError(t, err)

	assert.True(t, saved.IsAllowed)
	assert.Equal(t, "hello_world.txt", saved.Filename)
	assert.Equal(t, "hello world.txt", saved.OriginalFilename)
	assert.Equal(t, int64(len(data)), saved.FileSize)
	assert.True(t, strings.HasPrefix(saved.StoragePath, "anonymous/"+inbox.ID+"/"+emailID+"/"))
	assert.True(t, strings.HasSuffix(saved.StoragePath, "_hello_world.txt"))
	assert.True(t, blobs.Has(saved.StoragePath))

	t.Run("下载会增加次数", func(t *testing.T) {
		got, content, err := attachments.Download(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, data, content)
		assert.Equal(t, 1, got.DownloadCount)

		stored, err := store.GetAttachment(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.DownloadCount)
	})

	t.Run("同名附件写到不同路径", func(t *testing.T) {
		again, err := attachments.Store(ctx, StoreInput{
			OwnerID:  inbox.OwnerKey(),
			InboxID:  inbox.ID,
			EmailID:  emailID,
			Filename: "hello world.txt",
			Data:     data,
		})
		require.NoError(t, err)
		assert.NotEqual(t, saved.StoragePath, again.StoragePath)
	})
}

func TestAttachmentStore_BlobFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	inbox, emailID := seedEmail(t, store, "box@temp.mail")
	blobs := &failingBlobStore{Store: blobmemory.NewStore(), failPut: true}

	attachments := NewAttachmentStore(store, blobs, zap.NewNop())
	_, err := attachments.Store(ctx, StoreInput{
		OwnerID:  inbox.OwnerKey(),
		InboxID:  inbox.ID,
		EmailID:  emailID,
		Filename: "a.txt",
		Data:     []byte("x"),
	})
	assert.ErrorIs(t, err, domain.ErrStorage)

	rows, err := store.ListAttachmentsByEmail(ctx, emailID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAttachmentStore_MetadataFailureDeletesBlob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	inbox, emailID := seedEmail(t, store, "box@temp.mail")
	blobs := blobmemory.NewStore()

	attachments := NewAttachmentStore(&failingAttachmentStore{Store: store}, blobs, zap.NewNop())
	_, err := attachments.Store(ctx, StoreInput{
		OwnerID:  inbox.OwnerKey(),
		InboxID:  inbox.ID,
		EmailID:  emailID,
		Filename: "a.txt",
		Data:     []byte("x"),
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 0, blobs.Len())
}

func TestAttachmentStore_Blocked(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, emailID := seedEmail(t, store, "box@temp.mail")

	attachments := NewAttachmentStore(store, blobmemory.NewStore(), zap.NewNop())
	blocked, err := attachments.RecordBlocked(ctx, BlockedInput{
		EmailID:     emailID,
		Filename:    "setup.exe",
		ContentType: "application/octet-stream",
		Size:        1024,
		Hash:        security.HashContent([]byte("MZ")),
		Reason:      security.ReasonDangerous,
	})
	require.NoError(t, err)

	assert.False(t, blocked.IsAllowed)
	assert.Empty(t, blocked.StoragePath)
	require.NotNil(t, blocked.BlockedReason)
	assert.Equal(t, security.ReasonDangerous, *blocked.BlockedReason)

	_, _, err = attachments.Download(ctx, blocked.ID)
	assert.ErrorIs(t, err, domain.ErrAttachmentUnavailable)

	_, _, err = attachments.Download(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAttachmentNotFound)
}
