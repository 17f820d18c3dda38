package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/storage"
)

var (
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrPrefixInvalid    = errors.New("prefix invalid")
	ErrInvalidTTL       = errors.New("ttl out of range")
	ErrInvalidTier      = errors.New("unknown subscription tier")
)

// InboxService 封装收件箱创建与等级变更
type InboxService struct {
	inboxes   storage.InboxRepository
	limiter   *RateLimiter
	cfg       config.InboxConfig
	domainSet map[string]struct{}
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewInboxService 创建收件箱服务
func NewInboxService(inboxes storage.InboxRepository, limiter *RateLimiter, cfg config.InboxConfig, metrics *monitoring.Metrics, log *zap.Logger) *InboxService {
	domainSet := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domainSet[strings.ToLower(d)] = struct{}{}
	}

	return &InboxService{
		inboxes:   inboxes,
		limiter:   limiter,
		cfg:       cfg,
		domainSet: domainSet,
		metrics:   metrics,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateInboxInput 定义创建收件箱所需的输入
type CreateInboxInput struct {
	Prefix   string
	Domain   string
	TTL      time.Duration // 0 表示使用默认有效期
	Tier     domain.SubscriptionTier
	UserID   *string
	Password string
	IPSource string
}

// Create 创建新的一次性收件箱。
//
// 免费收件箱在构建前和插入前各做一次限流检查，插入成功后追加创建记录。
func (s *InboxService) Create(ctx context.Context, input CreateInboxInput) (*domain.Inbox, error) {
	tier := input.Tier
	if tier == "" {
		tier = domain.TierFree
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, ErrInvalidTier)
	}

	gated := tier == domain.TierFree
	if gated {
		if err := s.admit(ctx, input.IPSource); err != nil {
			return nil, err
		}
	}

	selectedDomain := s.pickDomain(input.Domain)
	if selectedDomain == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, ErrDomainNotAllowed)
	}

	localPart, err := s.resolveLocalPart(input.Prefix)
	if err != nil {
		return nil, err
	}

	ttl, err := s.resolveTTL(input.TTL)
	if err != nil {
		return nil, err
	}

	var passwordHash *string
	if input.Password != "" {
		if err := domain.ValidatePassword(input.Password); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hashed := string(hash)
		passwordHash = &hashed
	}

	now := s.now()
	inbox := &domain.Inbox{
		ID:               uuid.NewString(),
		EmailAddress:     localPart + "@" + selectedDomain,
		UserID:           input.UserID,
		PasswordHash:     passwordHash,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		IsActive:         true,
		MaxEmails:        s.quotaFor(tier),
		SubscriptionTier: tier,
	}

	// 二次确认，缩小检查与插入之间的窗口
	if gated {
		if err := s.admit(ctx, input.IPSource); err != nil {
			return nil, err
		}
	}

	if err := s.inboxes.CreateInbox(ctx, inbox); err != nil {
		if errors.Is(err, storage.ErrInboxExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create inbox: %v", domain.ErrPersistence, err)
	}

	if gated {
		if err := s.limiter.Record(ctx, input.IPSource, inbox.ID); err != nil {
			s.log.Error("failed to record inbox creation",
				zap.String("inbox_id", inbox.ID),
				zap.String("ip", input.IPSource),
				zap.Error(err),
			)
		}
	}

	s.metrics.RecordInboxCreated(string(tier))
	s.log.Info("inbox created",
		zap.String("inbox_id", inbox.ID),
		zap.String("address", inbox.EmailAddress),
		zap.String("tier", string(tier)),
		zap.Time("expires_at", inbox.ExpiresAt),
	)
	return inbox, nil
}

// Get 根据 ID 获取收件箱
func (s *InboxService) Get(ctx context.Context, id string) (*domain.Inbox, error) {
	return s.inboxes.GetInbox(ctx, id)
}

// UpdateTier 处理外部等级变更事件，同时调整邮件上限。
//
// 降级时上限不会低于当前邮件数。
func (s *InboxService) UpdateTier(ctx context.Context, id string, tier domain.SubscriptionTier) (*domain.Inbox, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, ErrInvalidTier)
	}

	inbox, err := s.inboxes.GetInbox(ctx, id)
	if err != nil {
		return nil, err
	}

	maxEmails := max(s.quotaFor(tier), inbox.CurrentEmailCount)
	if err := s.inboxes.UpdateSubscriptionTier(ctx, id, tier, maxEmails); err != nil {
		return nil, err
	}

	s.log.Info("inbox tier changed",
		zap.String("inbox_id", id),
		zap.String("from", string(inbox.SubscriptionTier)),
		zap.String("to", string(tier)),
		zap.Int("max_emails", maxEmails),
	)
	inbox.SubscriptionTier = tier
	inbox.MaxEmails = maxEmails
	return inbox, nil
}

func (s *InboxService) admit(ctx context.Context, ip string) error {
	decision, err := s.limiter.Admit(ctx, ip)
	if err != nil {
		return err
	}
	if decision != Admitted {
		return domain.ErrRateLimited
	}
	return nil
}

func (s *InboxService) quotaFor(tier domain.SubscriptionTier) int {
	if tier == domain.TierPremium {
		return s.cfg.PremiumMaxEmails
	}
	return s.cfg.FreeMaxEmails
}

// pickDomain 挑选合法的收件箱域名
func (s *InboxService) pickDomain(requested string) string {
	if requested == "" {
		if len(s.cfg.AllowedDomains) == 0 {
			return ""
		}
		return strings.ToLower(s.cfg.AllowedDomains[0])
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	if _, ok := s.domainSet[requested]; ok {
		return requested
	}
	return ""
}

// resolveLocalPart 生成或验证收件箱前缀
func (s *InboxService) resolveLocalPart(prefix string) (string, error) {
	if prefix == "" {
		base := strings.ReplaceAll(uuid.NewString(), "-", "")
		return base[:12], nil
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if err := domain.ValidateLocalPart(prefix); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrValidation, ErrPrefixInvalid)
	}
	return prefix, nil
}

func (s *InboxService) resolveTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		return s.cfg.DefaultTTL, nil
	}
	if ttl < 0 || ttl > s.cfg.MaxTTL {
		return 0, fmt.Errorf("%w: %w", domain.ErrValidation, ErrInvalidTTL)
	}
	return ttl, nil
}
