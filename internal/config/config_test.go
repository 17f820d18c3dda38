package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-download-secret-for-development-32-chars"

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		t.Setenv("MAILSINK_DOWNLOAD_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
		assert.Equal(t, int64(50<<20), cfg.Server.MaxBodyBytes)
		assert.Equal(t, "memory", cfg.Database.Driver)
		assert.True(t, cfg.Database.AutoMigrate)
		assert.Equal(t, "filesystem", cfg.Storage.Driver)
		assert.Equal(t, 4.0, cfg.Webhook.Form.SpamThreshold)
		assert.Equal(t, 5.0, cfg.Webhook.JSON.SpamThreshold)
		assert.Equal(t, time.Duration(0), cfg.Webhook.Form.Tolerance)
		assert.Equal(t, []string{"email.received", "inbound.email"}, cfg.Webhook.JSON.EventTypes)
		assert.Equal(t, []string{"temp.mail"}, cfg.Inbox.AllowedDomains)
		assert.Equal(t, time.Hour, cfg.Inbox.DefaultTTL)
		assert.Equal(t, 5, cfg.Inbox.RateLimitMax)
		assert.Equal(t, time.Hour, cfg.Inbox.RateLimitWindow)
		assert.Equal(t, "@every 15m", cfg.Reaper.Schedule)
		assert.Equal(t, "log", cfg.Events.Driver)
		assert.Equal(t, 15*time.Minute, cfg.Download.TokenTTL)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("MAILSINK_DOWNLOAD_SECRET", testSecret)
		t.Setenv("MAILSINK_SERVER_PORT", "9090")
		t.Setenv("MAILSINK_INBOX_ALLOWED_DOMAINS", "Sink.Dev, temp.mail")
		t.Setenv("MAILSINK_WEBHOOK_FORM_SPAM_THRESHOLD", "6.5")
		t.Setenv("MAILSINK_WEBHOOK_FORM_TOLERANCE", "5m")
		t.Setenv("MAILSINK_STORAGE_DRIVER", "S3")
		t.Setenv("MAILSINK_STORAGE_S3_BUCKET", "attachments")
		t.Setenv("MAILSINK_EVENTS_DRIVER", "redis")
		t.Setenv("MAILSINK_REDIS_ADDRESS", "localhost:6379")
		t.Setenv("MAILSINK_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"sink.dev", "temp.mail"}, cfg.Inbox.AllowedDomains)
		assert.Equal(t, 6.5, cfg.Webhook.Form.SpamThreshold)
		assert.Equal(t, 5*time.Minute, cfg.Webhook.Form.Tolerance)
		assert.Equal(t, "s3", cfg.Storage.Driver)
		assert.Equal(t, "attachments", cfg.Storage.S3.Bucket)
		assert.Equal(t, "redis", cfg.Events.Driver)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("使用默认下载密钥失败", func(t *testing.T) {
		cfg, err := Load()
		assert.Nil(t, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "download secret cannot be the default value")
	})

	t.Run("下载密钥太短失败", func(t *testing.T) {
		t.Setenv("MAILSINK_DOWNLOAD_SECRET", "short")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 32 characters")
	})

	t.Run("无效的时长失败", func(t *testing.T) {
		t.Setenv("MAILSINK_DOWNLOAD_SECRET", testSecret)
		t.Setenv("MAILSINK_INBOX_DEFAULT_TTL", "forever")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "inbox.default_ttl")
	})
}

func TestValidate(t *testing.T) {
	t.Setenv("MAILSINK_DOWNLOAD_SECRET", testSecret)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "阈值超出范围",
			mutate:  func(c *Config) { c.Webhook.JSON.SpamThreshold = 11 },
			wantErr: "webhook.json.spam_threshold",
		},
		{
			name:    "未知存储驱动",
			mutate:  func(c *Config) { c.Storage.Driver = "ftp" },
			wantErr: "unsupported storage.driver",
		},
		{
			name:    "postgres 缺少 DSN",
			mutate:  func(c *Config) { c.Database.Driver = "postgres" },
			wantErr: "database.dsn",
		},
		{
			name:    "redis 事件缺少地址",
			mutate:  func(c *Config) { c.Events.Driver = "redis"; c.Redis.Address = "" },
			wantErr: "redis.address",
		},
		{
			name:    "默认有效期超过最大有效期",
			mutate:  func(c *Config) { c.Inbox.MaxTTL = time.Minute },
			wantErr: "inbox.default_ttl",
		},
		{
			name:   "合法配置",
			mutate: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
	assert.Empty(t, parseList(""))
	assert.Equal(t, []string{"temp.mail"}, parseDomains("TEMP.mail"))
}
