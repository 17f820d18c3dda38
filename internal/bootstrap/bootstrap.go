// Package bootstrap 按配置组装存储、blob 和事件发布后端，供 server 和 reaper 两个命令共用。
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailsink/backend/internal/blob"
	blobfs "mailsink/backend/internal/blob/filesystem"
	blobmemory "mailsink/backend/internal/blob/memory"
	blobs3 "mailsink/backend/internal/blob/s3"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/events"
	"mailsink/backend/internal/events/rabbitmq"
	redisevents "mailsink/backend/internal/events/redis"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/memory"
	"mailsink/backend/internal/storage/postgres"
	redisstore "mailsink/backend/internal/storage/redis"
)

// OpenStore 根据 database.driver 打开元数据存储
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres storage", zap.Bool("auto_migrate", cfg.Database.AutoMigrate))
		return store, nil
	case "memory":
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// OpenBlobStore 根据 storage.driver 打开附件内容存储
func OpenBlobStore(cfg *config.Config, log *zap.Logger) (blob.Store, error) {
	switch cfg.Storage.Driver {
	case "filesystem":
		store, err := blobfs.NewStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		log.Info("using filesystem blob storage", zap.String("path", cfg.Storage.Path))
		return store, nil
	case "s3":
		store, err := blobs3.NewStore(cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		log.Info("using s3 blob storage",
			zap.String("bucket", cfg.Storage.S3.Bucket),
			zap.String("endpoint", cfg.Storage.S3.Endpoint),
		)
		return store, nil
	case "memory":
		log.Warn("using memory blob storage, attachments are lost on restart")
		return blobmemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// Publisher 事件发布者及其可选的 Redis 连接
//
// Redis 非 nil 时调用方应把它加入就绪检查，并在退出时关闭。
type Publisher struct {
	events.Publisher
	Redis *redisstore.Client
}

// OpenPublisher 根据 events.driver 创建发布者
func OpenPublisher(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Publisher, error) {
	switch cfg.Events.Driver {
	case "redis":
		client, err := redisstore.New(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return &Publisher{
			Publisher: redisevents.NewPublisher(client, cfg.Events.ChannelPrefix, log),
			Redis:     client,
		}, nil
	case "rabbitmq":
		pub, err := rabbitmq.NewPublisher(rabbitmq.Config{
			URL:        cfg.Events.AMQPURL,
			Exchange:   cfg.Events.Exchange,
			RoutingKey: cfg.Events.RoutingKey,
		}, log)
		if err != nil {
			return nil, err
		}
		return &Publisher{Publisher: pub}, nil
	case "log":
		return &Publisher{Publisher: events.NewLogPublisher(log)}, nil
	case "none", "":
		return &Publisher{Publisher: events.NopPublisher{}}, nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Events.Driver)
	}
}

// Close 关闭发布者和 Redis 连接
func (p *Publisher) Close() error {
	err := p.Publisher.Close()
	if p.Redis != nil {
		if rerr := p.Redis.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// SpamProfiles 把配置中的阈值应用到各提供商的评分规则
func SpamProfiles(cfg config.WebhookConfig) map[domain.Source]security.SpamProfile {
	return map[domain.Source]security.SpamProfile{
		domain.SourceForm: security.FormSpamProfile().WithThreshold(cfg.Form.SpamThreshold),
		domain.SourceJSON: security.JSONSpamProfile().WithThreshold(cfg.JSON.SpamThreshold),
	}
}
