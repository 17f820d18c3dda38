// Package redis 通过 Redis pub/sub 发布邮件事件，频道为 {prefix}:{inboxID}。
package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailsink/backend/internal/events"
)

// Broker 是发布者依赖的 Redis 能力
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// Publisher Redis 频道发布者
type Publisher struct {
	broker Broker
	prefix string
	log    *zap.Logger
}

// NewPublisher 创建发布者，prefix 为空时使用 "new_mail"
func NewPublisher(broker Broker, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "new_mail"
	}
	return &Publisher{broker: broker, prefix: prefix, log: log}
}

// Channel 返回收件箱对应的频道名
func (p *Publisher) Channel(inboxID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, inboxID)
}

// Publish 发布事件
func (p *Publisher) Publish(ctx context.Context, evt *events.EmailReceived) error {
	payload, err := events.Encode(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	receivers, err := p.broker.Publish(ctx, p.Channel(evt.InboxID), payload)
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.log.Debug("email event published",
		zap.String("channel", p.Channel(evt.InboxID)),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Close 连接由 Redis 客户端的所有者关闭
func (p *Publisher) Close() error {
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
