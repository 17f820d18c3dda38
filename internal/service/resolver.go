package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
)

// InboxResolver 根据收件人地址查找可投递的收件箱
type InboxResolver struct {
	inboxes storage.InboxRepository
	now     func() time.Time
}

// NewInboxResolver 创建收件箱解析器
func NewInboxResolver(inboxes storage.InboxRepository) *InboxResolver {
	return &InboxResolver{
		inboxes: inboxes,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve 规范化地址后查找收件箱。
//
// 过期的收件箱不论 is_active 都返回 domain.ErrInboxNotFound；
// 计数已到上限返回 domain.ErrQuotaExceeded。
func (r *InboxResolver) Resolve(ctx context.Context, address string) (*domain.Inbox, error) {
	normalized, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInboxNotFound, err)
	}

	inbox, err := r.inboxes.FindDeliverableInbox(ctx, normalized, r.now())
	if err != nil {
		if errors.Is(err, domain.ErrInboxNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: lookup inbox: %v", domain.ErrPersistence, err)
	}

	if inbox.QuotaReached() {
		return nil, domain.ErrQuotaExceeded
	}
	return inbox, nil
}
