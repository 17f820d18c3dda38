// Package events 发布邮件入库后的 email.received 事件。
//
// 事件替代了浏览器实时推送：下游（推送网关、索引器等）订阅后自行处理。
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// TypeEmailReceived 是邮件入库事件的类型名
const TypeEmailReceived = "email.received"

// EmailReceived 邮件入库事件
type EmailReceived struct {
	Type            string    `json:"type"`
	EventID         string    `json:"eventId"`
	EmailID         string    `json:"emailId"`
	InboxID         string    `json:"inboxId"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Subject         string    `json:"subject"`
	SpamScore       float64   `json:"spamScore"`
	IsSpam          bool      `json:"isSpam"`
	AttachmentCount int       `json:"attachmentCount"`
	Source          string    `json:"source"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Encode 序列化事件，缺省 Type 时补上 email.received
func Encode(evt *EmailReceived) ([]byte, error) {
	if evt.Type == "" {
		evt.Type = TypeEmailReceived
	}
	return json.Marshal(evt)
}

// Publisher 事件发布者
type Publisher interface {
	Publish(ctx context.Context, evt *EmailReceived) error
	Close() error
}

// LogPublisher 只把事件写入日志，用于未配置消息中间件的部署
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher 创建日志发布者
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish 记录事件
func (p *LogPublisher) Publish(_ context.Context, evt *EmailReceived) error {
	p.log.Info("email received event",
		zap.String("event_id", evt.EventID),
		zap.String("email_id", evt.EmailID),
		zap.String("inbox_id", evt.InboxID),
		zap.Bool("is_spam", evt.IsSpam),
		zap.Int("attachments", evt.AttachmentCount),
	)
	return nil
}

// Close 无需释放资源
func (p *LogPublisher) Close() error { return nil }

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 什么也不做
func (NopPublisher) Publish(context.Context, *EmailReceived) error { return nil }

// Close 什么也不做
func (NopPublisher) Close() error { return nil }
