package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/blob"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// defaultAttachmentName 文件名清洗后为空时使用
const defaultAttachmentName = "attachment"

// maxFilenameLength 清洗后文件名的最大长度
const maxFilenameLength = 200

// StoreInput 保存允许的附件所需的参数
type StoreInput struct {
	OwnerID     string
	InboxID     string
	EmailID     string
	Filename    string
	ContentType string
	Data        []byte
	Hash        string
}

// BlockedInput 记录被拦截附件所需的参数
type BlockedInput struct {
	EmailID     string
	Filename    string
	ContentType string
	Size        int64
	Hash        string
	Reason      string
}

// AttachmentStore 负责附件内容与元数据的两阶段写入。
//
// 先写对象存储，再写元数据；元数据写入失败时尽力删除已写入的对象。
type AttachmentStore struct {
	attachments storage.AttachmentRepository
	blobs       blob.Store
	log         *zap.Logger
	now         func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

// NewAttachmentStore 创建附件存储服务
func NewAttachmentStore(attachments storage.AttachmentRepository, blobs blob.Store, log *zap.Logger) *AttachmentStore {
	return &AttachmentStore{
		attachments: attachments,
		blobs:       blobs,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Store 写入附件内容和元数据。
//
// 对象写入失败返回 domain.ErrStorage 且不产生元数据；
// 元数据写入失败会删除刚写入的对象并返回 domain.ErrPersistence。
func (s *AttachmentStore) Store(ctx context.Context, in StoreInput) (*domain.Attachment, error) {
	now := s.pathTime()
	filename := SanitizeFilename(in.Filename)
	path := BuildStoragePath(in.OwnerID, in.InboxID, in.EmailID, now, filename)

	if err := s.blobs.Put(ctx, path, in.Data, in.ContentType); err != nil {
		return nil, fmt.Errorf("%w: put %s: %v", domain.ErrStorage, path, err)
	}

	attachment := &domain.Attachment{
		ID:               uuid.NewString(),
		EmailID:          in.EmailID,
		Filename:         filename,
		OriginalFilename: in.Filename,
		ContentType:      in.ContentType,
		FileSize:         int64(len(in.Data)),
		FileHash:         in.Hash,
		StoragePath:      path,
		IsAllowed:        true,
		CreatedAt:        now,
	}

	if err := s.attachments.CreateAttachment(ctx, attachment); err != nil {
		// 补偿删除：失败只记日志，孤立对象由运维处理
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), path); delErr != nil && !errors.Is(delErr, blob.ErrNotFound) {
			s.log.Error("failed to delete orphaned attachment blob",
				zap.String("storage_path", path),
				zap.Error(delErr),
			)
		}
		return nil, fmt.Errorf("%w: save attachment metadata: %v", domain.ErrPersistence, err)
	}

	return attachment, nil
}

// RecordBlocked 只写入被拦截附件的元数据，内容直接丢弃
func (s *AttachmentStore) RecordBlocked(ctx context.Context, in BlockedInput) (*domain.Attachment, error) {
	reason := in.Reason
	attachment := &domain.Attachment{
		ID:               uuid.NewString(),
		EmailID:          in.EmailID,
		Filename:         SanitizeFilename(in.Filename),
		OriginalFilename: in.Filename,
		ContentType:      in.ContentType,
		FileSize:         in.Size,
		FileHash:         in.Hash,
		StoragePath:      "",
		IsAllowed:        false,
		BlockedReason:    &reason,
		CreatedAt:        s.now(),
	}

	if err := s.attachments.CreateAttachment(ctx, attachment); err != nil {
		return nil, fmt.Errorf("%w: save blocked attachment: %v", domain.ErrPersistence, err)
	}
	return attachment, nil
}

// Get 返回附件元数据
func (s *AttachmentStore) Get(ctx context.Context, id string) (*domain.Attachment, error) {
	return s.attachments.GetAttachment(ctx, id)
}

// Download 读取附件内容并增加下载次数。
//
// 被拦截或已被回收的附件返回 domain.ErrAttachmentUnavailable。
func (s *AttachmentStore) Download(ctx context.Context, id string) (*domain.Attachment, []byte, error) {
	attachment, err := s.attachments.GetAttachment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !attachment.Stored() {
		return nil, nil, domain.ErrAttachmentUnavailable
	}

	data, err := s.blobs.Get(ctx, attachment.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, domain.ErrAttachmentUnavailable
		}
		return nil, nil, fmt.Errorf("%w: get %s: %v", domain.ErrStorage, attachment.StoragePath, err)
	}

	if err := s.attachments.IncrementDownloadCount(ctx, id); err != nil {
		return nil, nil, fmt.Errorf("%w: increment download count: %v", domain.ErrPersistence, err)
	}
	attachment.DownloadCount++

	return attachment, data, nil
}

// pathTime 返回严格递增的毫秒时间，同一封邮件里的同名附件也不会写到同一路径
func (s *AttachmentStore) pathTime() time.Time {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	millis := now.UnixMilli()
	if millis <= s.lastMillis {
		millis = s.lastMillis + 1
	}
	s.lastMillis = millis
	return time.UnixMilli(millis).UTC()
}

// SanitizeFilename 将 [A-Za-z0-9._-] 以外的字符替换为下划线并去掉开头的点
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sanitized := strings.TrimLeft(b.String(), ".")
	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[len(sanitized)-maxFilenameLength:]
		sanitized = strings.TrimLeft(sanitized, ".")
	}
	if sanitized == "" {
		return defaultAttachmentName
	}
	return sanitized
}

// BuildStoragePath 生成 {owner}/{inbox}/{email}/{unixMillis}_{filename}
func BuildStoragePath(ownerID, inboxID, emailID string, at time.Time, filename string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	return strings.Join([]string{
		ownerID,
		inboxID,
		emailID,
		strconv.FormatInt(at.UnixMilli(), 10) + "_" + filename,
	}, "/")
}
