package domain

import "time"

// Source 标识邮件来自哪一种 webhook 载荷格式。
type Source string

const (
	SourceForm Source = "form"
	SourceJSON Source = "json"
)

// Email 表示一次成功摄取后的邮件记录。
//
// 创建后除 IsRead 和 TotalSizeBytes（附件处理完成后回填）外不再修改。
type Email struct {
	ID              string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	InboxID         string            `json:"inboxId" gorm:"type:varchar(36);not null;uniqueIndex:idx_email_inbox_message,priority:1"`
	MessageID       string            `json:"messageId" gorm:"type:varchar(512);not null;uniqueIndex:idx_email_inbox_message,priority:2"`
	FromAddress     string            `json:"fromAddress" gorm:"type:varchar(512)"`
	ToAddress       string            `json:"toAddress" gorm:"type:varchar(512)"`
	Subject         string            `json:"subject" gorm:"type:text"`
	Body            string            `json:"body" gorm:"type:text"`
	HTMLBody        string            `json:"htmlBody" gorm:"type:text"`
	Headers         map[string]string `json:"headers" gorm:"serializer:json;type:jsonb"`
	SpamScore       float64           `json:"spamScore"`
	IsSpam          bool              `json:"isSpam" gorm:"index"`
	IsRead          bool              `json:"isRead"`
	AttachmentCount int               `json:"attachmentCount"`
	TotalSizeBytes  int64             `json:"totalSizeBytes"`
	Source          Source            `json:"source" gorm:"type:varchar(16)"`
	ReceivedAt      time.Time         `json:"receivedAt" gorm:"index"`
}

// Attachment 表示邮件附件的元数据。
//
// 允许的附件先写入对象存储再提交元数据；被拦截的附件只记录元数据，StoragePath 为空。
type Attachment struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EmailID          string    `json:"emailId" gorm:"type:varchar(36);index;not null"`
	Filename         string    `json:"filename" gorm:"type:varchar(255)"`
	OriginalFilename string    `json:"originalFilename" gorm:"type:varchar(512)"`
	ContentType      string    `json:"contentType" gorm:"type:varchar(255)"`
	FileSize         int64     `json:"fileSize"`
	FileHash         string    `json:"fileHash" gorm:"type:varchar(64);index"`
	StoragePath      string    `json:"storagePath" gorm:"type:varchar(1024);not null;default:''"`
	IsAllowed        bool      `json:"isAllowed"`
	BlockedReason    *string   `json:"blockedReason,omitempty" gorm:"type:varchar(255)"`
	DownloadCount    int       `json:"downloadCount" gorm:"not null;default:0"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Stored 判断附件内容是否仍保存在对象存储中
func (a *Attachment) Stored() bool {
	return a.IsAllowed && a.StoragePath != ""
}

// ExpiredAttachment 是过期清理任务看到的附件视图，带上所属收件箱信息。
type ExpiredAttachment struct {
	AttachmentID string
	InboxID      string
	StoragePath  string
}
