package domain

import (
	"time"
)

// SubscriptionTier 表示邮箱所属的订阅等级。
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
)

// Valid 判断等级是否为已知取值
func (t SubscriptionTier) Valid() bool {
	return t == TierFree || t == TierPremium
}

// Inbox 表示一次性收件箱的业务实体。
//
// 不变量: CurrentEmailCount <= MaxEmails；仅当 IsActive 且当前时间早于 ExpiresAt 时接收新邮件。
type Inbox struct {
	ID                string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailAddress      string           `json:"emailAddress" gorm:"type:varchar(255);uniqueIndex;not null"`
	UserID            *string          `json:"userId,omitempty" gorm:"type:varchar(36);index"` // 游客创建时为 nil
	PasswordHash      *string          `json:"-" gorm:"type:varchar(100)"`
	CreatedAt         time.Time        `json:"createdAt"`
	ExpiresAt         time.Time        `json:"expiresAt" gorm:"index;not null"`
	IsActive          bool             `json:"isActive" gorm:"not null;default:true"`
	MaxEmails         int              `json:"maxEmails" gorm:"not null"`
	CurrentEmailCount int              `json:"currentEmailCount" gorm:"not null;default:0"`
	SubscriptionTier  SubscriptionTier `json:"subscriptionTier" gorm:"type:varchar(16);not null;default:free"`
}

// AcceptsMail 判断收件箱在给定时刻能否接收新邮件（不含配额检查）
func (i *Inbox) AcceptsMail(now time.Time) bool {
	return i.IsActive && !now.After(i.ExpiresAt)
}

// QuotaReached 判断收件箱是否已达到邮件数量上限
func (i *Inbox) QuotaReached() bool {
	return i.CurrentEmailCount >= i.MaxEmails
}

// OwnerKey 返回用于存储路径的所有者标识，游客收件箱使用 "anonymous"
func (i *Inbox) OwnerKey() string {
	if i.UserID == nil || *i.UserID == "" {
		return "anonymous"
	}
	return *i.UserID
}

// RateLimitRecord 记录一次免费收件箱创建，仅追加写入。
//
// 是否放行由数据库存储过程决定，应用层不统计这些行。
type RateLimitRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IPAddress string    `json:"ipAddress" gorm:"type:varchar(64);index:idx_rate_limit_ip_created,priority:1;not null"`
	InboxID   string    `json:"inboxId" gorm:"type:varchar(36);not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:idx_rate_limit_ip_created,priority:2"`
}
