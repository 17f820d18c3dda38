package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

// Decision 限流判定结果
type Decision string

const (
	Admitted    Decision = "admitted"
	Denied      Decision = "denied"
	Unavailable Decision = "unavailable"
)

// 默认限流参数：每个 IP 每小时 5 个免费收件箱
const (
	DefaultRateLimitMax    = 5
	DefaultRateLimitWindow = time.Hour
)

// RateLimiter 免费收件箱创建的准入控制。
//
// 判定完全交给存储过程，应用层不统计 RateLimitRecord。
type RateLimiter struct {
	repo    storage.RateLimitRepository
	max     int
	window  time.Duration
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewRateLimiter 创建限流器，max 或 window 非正时使用默认值
func NewRateLimiter(repo storage.RateLimitRepository, max int, window time.Duration, metrics *monitoring.Metrics, log *zap.Logger) *RateLimiter {
	if max <= 0 {
		max = DefaultRateLimitMax
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RateLimiter{
		repo:    repo,
		max:     max,
		window:  window,
		metrics: metrics,
		log:     log,
	}
}

// Admit 判断该 IP 能否再创建一个免费收件箱。
//
// 存储过程出错时失败关闭：返回 Unavailable 和 domain.ErrServiceUnavailable。
func (l *RateLimiter) Admit(ctx context.Context, ip string) (Decision, error) {
	allowed, err := l.repo.CheckInboxRateLimit(ctx, ip, l.max, l.window)
	if err != nil {
		l.metrics.RecordRateLimitDecision(string(Unavailable))
		l.log.Error("rate limit check failed",
			zap.String("ip", ip),
			zap.Error(err),
		)
		return Unavailable, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}

	decision := Denied
	if allowed {
		decision = Admitted
	}
	l.metrics.RecordRateLimitDecision(string(decision))
	return decision, nil
}

// Record 追加一条创建记录，供存储过程后续统计，created_at 由存储层填充
func (l *RateLimiter) Record(ctx context.Context, ip, inboxID string) error {
	return l.repo.RecordInboxCreation(ctx, &domain.RateLimitRecord{
		ID:        uuid.NewString(),
		IPAddress: ip,
		InboxID:   inboxID,
	})
}
