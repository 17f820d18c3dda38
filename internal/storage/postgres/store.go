package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// Store PostgreSQL 存储实现
//
// 普通读写通过 gorm 完成，限流与清理两个存储过程通过内嵌的 pgx Client 调用。
type Store struct {
	*Client
	db *gorm.DB
}

// Open 连接数据库，按需执行迁移，返回存储实例
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	client, err := NewClient(ctx, cfg, log)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx); err != nil {
			client.Close()
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return &Store{Client: client, db: db}, nil
}

// Ping 同时检查 gorm 和 pgx 两个连接池
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	return s.Client.Ping(ctx)
}

// Close 关闭全部连接
func (s *Store) Close() error {
	s.Client.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== Inbox Repository ==========

// CreateInbox 保存新收件箱，地址已存在时返回 storage.ErrInboxExists
func (s *Store) CreateInbox(ctx context.Context, inbox *domain.Inbox) error {
	inbox.EmailAddress = strings.ToLower(inbox.EmailAddress)
	if err := s.db.WithContext(ctx).Create(inbox).Error; err != nil {
		if isUniqueViolation(err) {
			return storage.ErrInboxExists
		}
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	return nil
}

// GetInbox 根据 ID 获取收件箱
func (s *Store) GetInbox(ctx context.Context, id string) (*domain.Inbox, error) {
	var inbox domain.Inbox
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&inbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInboxNotFound
		}
		return nil, err
	}
	return &inbox, nil
}

// FindDeliverableInbox 查找可投递的收件箱
func (s *Store) FindDeliverableInbox(ctx context.Context, address string, now time.Time) (*domain.Inbox, error) {
	var inbox domain.Inbox
	err := s.db.WithContext(ctx).
		Where("email_address = ? AND is_active = ? AND expires_at >= ?", strings.ToLower(address), true, now).
		First(&inbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInboxNotFound
		}
		return nil, err
	}
	return &inbox, nil
}

// UpdateSubscriptionTier 更新订阅等级和邮件上限
func (s *Store) UpdateSubscriptionTier(ctx context.Context, id string, tier domain.SubscriptionTier, maxEmails int) error {
	result := s.db.WithContext(ctx).Model(&domain.Inbox{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"subscription_tier": tier,
			"max_emails":        maxEmails,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrInboxNotFound
	}
	return nil
}

// DeactivateExpiredInboxes 将已过期但仍标记为活跃的收件箱停用
func (s *Store) DeactivateExpiredInboxes(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&domain.Inbox{}).
		Where("is_active = ? AND expires_at < ?", true, now).
		UpdateColumn("is_active", false)
	return result.RowsAffected, result.Error
}

// ========== Email Repository ==========

// CreateEmail 在同一事务中条件自增收件箱计数并插入邮件
func (s *Store) CreateEmail(ctx context.Context, email *domain.Email) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&domain.Email{}).
			Where("inbox_id = ? AND message_id = ?", email.InboxID, email.MessageID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check duplicate message: %w", err)
		}
		if existing > 0 {
			return domain.ErrDuplicateMessage
		}

		result := tx.Model(&domain.Inbox{}).
			Where("id = ? AND current_email_count < max_emails", email.InboxID).
			UpdateColumn("current_email_count", gorm.Expr("current_email_count + 1"))
		if result.Error != nil {
			return fmt.Errorf("failed to increment email count: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var found int64
			if err := tx.Model(&domain.Inbox{}).Where("id = ?", email.InboxID).Count(&found).Error; err != nil {
				return err
			}
			if found == 0 {
				return domain.ErrInboxNotFound
			}
			return domain.ErrQuotaExceeded
		}

		if err := tx.Create(email).Error; err != nil {
			// 并发投递同一封邮件时由唯一索引兜底，事务回滚后计数不变
			if isUniqueViolation(err) {
				return domain.ErrDuplicateMessage
			}
			return fmt.Errorf("failed to insert email: %w", err)
		}
		return nil
	})
}

// GetEmail 根据 ID 获取邮件
func (s *Store) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	var email domain.Email
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEmailNotFound
		}
		return nil, err
	}
	return &email, nil
}

// UpdateEmailTotals 回填附件数量和总大小
func (s *Store) UpdateEmailTotals(ctx context.Context, id string, attachmentCount int, totalSize int64) error {
	result := s.db.WithContext(ctx).Model(&domain.Email{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"attachment_count": attachmentCount,
			"total_size_bytes": totalSize,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrEmailNotFound
	}
	return nil
}

// ========== Attachment Repository ==========

// CreateAttachment 保存附件元数据
func (s *Store) CreateAttachment(ctx context.Context, attachment *domain.Attachment) error {
	if err := s.db.WithContext(ctx).Create(attachment).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return domain.ErrEmailNotFound
		}
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// GetAttachment 根据 ID 获取附件元数据
func (s *Store) GetAttachment(ctx context.Context, id string) (*domain.Attachment, error) {
	var attachment domain.Attachment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAttachmentNotFound
		}
		return nil, err
	}
	return &attachment, nil
}

// ListAttachmentsByEmail 返回某封邮件的全部附件
func (s *Store) ListAttachmentsByEmail(ctx context.Context, emailID string) ([]domain.Attachment, error) {
	var attachments []domain.Attachment
	err := s.db.WithContext(ctx).
		Where("email_id = ?", emailID).
		Order("created_at ASC, id ASC").
		Find(&attachments).Error
	return attachments, err
}

// IncrementDownloadCount 下载次数加一
func (s *Store) IncrementDownloadCount(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&domain.Attachment{}).
		Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAttachmentNotFound
	}
	return nil
}

// ListExpiredAttachments 列出过期收件箱下仍占用存储的附件，按 ID 游标分页
func (s *Store) ListExpiredAttachments(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.ExpiredAttachment, error) {
	var rows []domain.ExpiredAttachment
	err := s.db.WithContext(ctx).
		Table("attachments AS a").
		Select("a.id AS attachment_id, e.inbox_id AS inbox_id, a.storage_path AS storage_path").
		Joins("JOIN emails e ON e.id = a.email_id").
		Joins("JOIN inboxes i ON i.id = e.inbox_id").
		Where("i.expires_at < ? AND a.storage_path <> '' AND a.id > ?", now, afterID).
		Order("a.id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired attachments: %w", err)
	}
	return rows, nil
}

// ClearStoragePaths 将已回收附件的 storage_path 置空
func (s *Store) ClearStoragePaths(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&domain.Attachment{}).
		Where("id IN ?", ids).
		UpdateColumn("storage_path", "").Error
}

// ========== Rate Limit Repository ==========

// RecordInboxCreation 追加一条创建记录
func (s *Store) RecordInboxCreation(ctx context.Context, record *domain.RateLimitRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

var _ storage.Store = (*Store)(nil)
