package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// Store 使用内存保存收件箱、邮件与附件数据，主要用于开发验证和测试。
//
// 所有写操作都在同一把锁内完成，因此条件自增与限流检查天然是原子的，
// 语义与 PostgreSQL 实现的存储过程一致。
type Store struct {
	mu          sync.RWMutex
	inboxes     map[string]*domain.Inbox      // inboxID -> inbox
	byAddress   map[string]string             // address -> inboxID
	emails      map[string]*domain.Email      // emailID -> email
	byMessageID map[string]string             // inboxID + "\x00" + messageID -> emailID
	attachments map[string]*domain.Attachment // attachmentID -> attachment
	rateLimits  []domain.RateLimitRecord

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		inboxes:     make(map[string]*domain.Inbox),
		byAddress:   make(map[string]string),
		emails:      make(map[string]*domain.Email),
		byMessageID: make(map[string]string),
		attachments: make(map[string]*domain.Attachment),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时间来源，便于测试限流窗口
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ========== Inbox Repository ==========

// CreateInbox 保存新收件箱
func (s *Store) CreateInbox(_ context.Context, inbox *domain.Inbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := strings.ToLower(inbox.EmailAddress)
	if _, exists := s.byAddress[address]; exists {
		return storage.ErrInboxExists
	}

	clone := *inbox
	clone.EmailAddress = address
	s.inboxes[inbox.ID] = &clone
	s.byAddress[address] = inbox.ID
	return nil
}

// GetInbox 根据 ID 获取收件箱
func (s *Store) GetInbox(_ context.Context, id string) (*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inbox, ok := s.inboxes[id]
	if !ok {
		return nil, domain.ErrInboxNotFound
	}
	clone := *inbox
	return &clone, nil
}

// FindDeliverableInbox 查找可投递的收件箱
func (s *Store) FindDeliverableInbox(_ context.Context, address string, now time.Time) (*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, domain.ErrInboxNotFound
	}
	inbox := s.inboxes[id]
	if !inbox.AcceptsMail(now) {
		return nil, domain.ErrInboxNotFound
	}
	clone := *inbox
	return &clone, nil
}

// UpdateSubscriptionTier 更新订阅等级和邮件上限
func (s *Store) UpdateSubscriptionTier(_ context.Context, id string, tier domain.SubscriptionTier, maxEmails int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, ok := s.inboxes[id]
	if !ok {
		return domain.ErrInboxNotFound
	}
	inbox.SubscriptionTier = tier
	inbox.MaxEmails = maxEmails
	return nil
}

// DeactivateExpiredInboxes 将已过期但仍标记为活跃的收件箱停用
func (s *Store) DeactivateExpiredInboxes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, inbox := range s.inboxes {
		if inbox.IsActive && inbox.ExpiresAt.Before(now) {
			inbox.IsActive = false
			count++
		}
	}
	return count, nil
}

// ========== Email Repository ==========

// CreateEmail 条件自增计数并插入邮件
func (s *Store) CreateEmail(_ context.Context, email *domain.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, ok := s.inboxes[email.InboxID]
	if !ok {
		return domain.ErrInboxNotFound
	}

	key := messageKey(email.InboxID, email.MessageID)
	if _, dup := s.byMessageID[key]; dup {
		return domain.ErrDuplicateMessage
	}
	if inbox.CurrentEmailCount >= inbox.MaxEmails {
		return domain.ErrQuotaExceeded
	}

	inbox.CurrentEmailCount++
	clone := *email
	clone.Headers = copyHeaders(email.Headers)
	s.emails[email.ID] = &clone
	s.byMessageID[key] = email.ID
	return nil
}

// GetEmail 根据 ID 获取邮件
func (s *Store) GetEmail(_ context.Context, id string) (*domain.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.emails[id]
	if !ok {
		return nil, domain.ErrEmailNotFound
	}
	clone := *email
	clone.Headers = copyHeaders(email.Headers)
	return &clone, nil
}

// UpdateEmailTotals 回填附件数量和总大小
func (s *Store) UpdateEmailTotals(_ context.Context, id string, attachmentCount int, totalSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[id]
	if !ok {
		return domain.ErrEmailNotFound
	}
	email.AttachmentCount = attachmentCount
	email.TotalSizeBytes = totalSize
	return nil
}

// ========== Attachment Repository ==========

// CreateAttachment 保存附件元数据
func (s *Store) CreateAttachment(_ context.Context, attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.emails[attachment.EmailID]; !ok {
		return domain.ErrEmailNotFound
	}
	clone := *attachment
	s.attachments[attachment.ID] = &clone
	return nil
}

// GetAttachment 根据 ID 获取附件元数据
func (s *Store) GetAttachment(_ context.Context, id string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attachment, ok := s.attachments[id]
	if !ok {
		return nil, domain.ErrAttachmentNotFound
	}
	clone := *attachment
	return &clone, nil
}

// ListAttachmentsByEmail 返回某封邮件的全部附件，按创建时间排序
func (s *Store) ListAttachmentsByEmail(_ context.Context, emailID string) ([]domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Attachment, 0)
	for _, a := range s.attachments {
		if a.EmailID == emailID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// IncrementDownloadCount 下载次数加一
func (s *Store) IncrementDownloadCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachment, ok := s.attachments[id]
	if !ok {
		return domain.ErrAttachmentNotFound
	}
	attachment.DownloadCount++
	return nil
}

// ListExpiredAttachments 列出过期收件箱下仍占用存储的附件
func (s *Store) ListExpiredAttachments(_ context.Context, now time.Time, afterID string, limit int) ([]domain.ExpiredAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ExpiredAttachment, 0)
	for _, a := range s.attachments {
		if a.StoragePath == "" || a.ID <= afterID {
			continue
		}
		inbox := s.inboxOfLocked(a.EmailID)
		if inbox == nil || !inbox.ExpiresAt.Before(now) {
			continue
		}
		result = append(result, domain.ExpiredAttachment{
			AttachmentID: a.ID,
			InboxID:      inbox.ID,
			StoragePath:  a.StoragePath,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AttachmentID < result[j].AttachmentID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ClearStoragePaths 将附件的 storage_path 置空
func (s *Store) ClearStoragePaths(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			a.StoragePath = ""
		}
	}
	return nil
}

// ========== Rate Limit Repository ==========

// CheckInboxRateLimit 滑动窗口限流检查，与存储过程 check_inbox_rate_limit 语义一致
func (s *Store) CheckInboxRateLimit(_ context.Context, ip string, max int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	kept := s.rateLimits[:0]
	count := 0
	for _, r := range s.rateLimits {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		if r.IPAddress == ip {
			count++
		}
	}
	s.rateLimits = kept
	return count < max, nil
}

// RecordInboxCreation 追加一条创建记录
func (s *Store) RecordInboxCreation(_ context.Context, record *domain.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *record
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.rateLimits = append(s.rateLimits, r)
	return nil
}

// ========== Cleanup Repository ==========

// ScheduledAttachmentCleanup 删除过期收件箱下已回收存储的附件元数据
func (s *Store) ScheduledAttachmentCleanup(_ context.Context) (*storage.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := &storage.CleanupResult{}
	for id, a := range s.attachments {
		if a.StoragePath != "" {
			continue
		}
		inbox := s.inboxOfLocked(a.EmailID)
		if inbox == nil || !inbox.ExpiresAt.Before(now) {
			continue
		}
		delete(s.attachments, id)
		result.DeletedCount++
	}
	return result, nil
}

// Ping 内存存储始终可用
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

func (s *Store) inboxOfLocked(emailID string) *domain.Inbox {
	email, ok := s.emails[emailID]
	if !ok {
		return nil
	}
	return s.inboxes[email.InboxID]
}

func messageKey(inboxID, messageID string) string {
	return inboxID + "\x00" + messageID
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var _ storage.Store = (*Store)(nil)
