package storage

import (
	"context"
	"errors"
	"time"

	"mailsink/backend/internal/domain"
)

var (
	// ErrInboxExists 收件箱地址已被占用
	ErrInboxExists = errors.New("inbox address already exists")
)

// InboxRepository 定义收件箱数据存取操作。
type InboxRepository interface {
	CreateInbox(ctx context.Context, inbox *domain.Inbox) error
	GetInbox(ctx context.Context, id string) (*domain.Inbox, error)
	// FindDeliverableInbox 查找 email_address 匹配、is_active 且 expires_at >= now 的收件箱
	FindDeliverableInbox(ctx context.Context, address string, now time.Time) (*domain.Inbox, error)
	UpdateSubscriptionTier(ctx context.Context, id string, tier domain.SubscriptionTier, maxEmails int) error
	DeactivateExpiredInboxes(ctx context.Context, now time.Time) (int64, error)
}

// EmailRepository 定义邮件数据存取操作。
type EmailRepository interface {
	// CreateEmail 在一个事务里执行条件自增
	// (current_email_count = current_email_count + 1 WHERE current_email_count < max_emails)
	// 并插入邮件。配额已满返回 domain.ErrQuotaExceeded，
	// (inbox_id, message_id) 重复返回 domain.ErrDuplicateMessage，两种情况计数都不变。
	CreateEmail(ctx context.Context, email *domain.Email) error
	GetEmail(ctx context.Context, id string) (*domain.Email, error)
	UpdateEmailTotals(ctx context.Context, id string, attachmentCount int, totalSize int64) error
}

// AttachmentRepository 定义附件元数据存取操作。
type AttachmentRepository interface {
	CreateAttachment(ctx context.Context, attachment *domain.Attachment) error
	GetAttachment(ctx context.Context, id string) (*domain.Attachment, error)
	ListAttachmentsByEmail(ctx context.Context, emailID string) ([]domain.Attachment, error)
	IncrementDownloadCount(ctx context.Context, id string) error
	// ListExpiredAttachments 按 ID 升序返回所属收件箱 expires_at < now 且仍有 storage_path 的附件
	ListExpiredAttachments(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.ExpiredAttachment, error)
	// ClearStoragePaths 将已回收附件的 storage_path 置空
	ClearStoragePaths(ctx context.Context, ids []string) error
}

// RateLimitRepository 封装创建收件箱的限流存储过程。
type RateLimitRepository interface {
	// CheckInboxRateLimit 调用原子存储过程 check_inbox_rate_limit，true 表示放行
	CheckInboxRateLimit(ctx context.Context, ip string, max int, window time.Duration) (bool, error)
	RecordInboxCreation(ctx context.Context, record *domain.RateLimitRecord) error
}

// CleanupResult 是存储过程 scheduled_attachment_cleanup 的返回值
type CleanupResult struct {
	DeletedCount int      `json:"deletedCount"`
	Errors       []string `json:"errors,omitempty"`
}

// CleanupRepository 封装附件元数据清理存储过程。
type CleanupRepository interface {
	ScheduledAttachmentCleanup(ctx context.Context) (*CleanupResult, error)
}

// Store 聚合全部仓储接口。
type Store interface {
	InboxRepository
	EmailRepository
	AttachmentRepository
	RateLimitRepository
	CleanupRepository
	Ping(ctx context.Context) error
	Close() error
}
