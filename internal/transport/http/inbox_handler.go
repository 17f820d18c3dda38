package httptransport

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/service"
)

// InboxManager 收件箱创建与等级变更
type InboxManager interface {
	Create(ctx context.Context, input service.CreateInboxInput) (*domain.Inbox, error)
	Get(ctx context.Context, id string) (*domain.Inbox, error)
	UpdateTier(ctx context.Context, id string, tier domain.SubscriptionTier) (*domain.Inbox, error)
}

// InboxHandler 收件箱相关接口
type InboxHandler struct {
	inboxes InboxManager
}

// NewInboxHandler 创建收件箱处理器
func NewInboxHandler(inboxes InboxManager) *InboxHandler {
	return &InboxHandler{inboxes: inboxes}
}

type createInboxRequest struct {
	Prefix   string `json:"prefix"`
	Domain   string `json:"domain"`
	TTL      string `json:"ttl"` // Go duration 格式，如 "1h"、"30m"
	Tier     string `json:"tier"`
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

type updateTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// Create 创建收件箱。
//
// 公开调用只能创建免费收件箱并受限流约束；高级收件箱和指定 userId 需要内部密钥。
func (h *InboxHandler) Create(c *gin.Context) {
	var req createInboxRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			BadRequest(c, MsgInvalidDuration)
			return
		}
		ttl = d
	}

	tier := domain.SubscriptionTier(req.Tier)
	internal := middleware.IsInternal(c)
	if (tier == domain.TierPremium || req.UserID != "") && !internal {
		Forbidden(c, MsgPremiumInternal)
		return
	}

	input := service.CreateInboxInput{
		Prefix:   req.Prefix,
		Domain:   req.Domain,
		TTL:      ttl,
		Tier:     tier,
		Password: req.Password,
		IPSource: c.ClientIP(),
	}
	if req.UserID != "" {
		userID := req.UserID
		input.UserID = &userID
	}

	inbox, err := h.inboxes.Create(c.Request.Context(), input)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, inbox)
}

// Get 查询收件箱（内部接口）
func (h *InboxHandler) Get(c *gin.Context) {
	inbox, err := h.inboxes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, inbox)
}

// UpdateTier 处理计费系统发来的等级变更（内部接口）
func (h *InboxHandler) UpdateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	inbox, err := h.inboxes.UpdateTier(c.Request.Context(), c.Param("id"), domain.SubscriptionTier(req.Tier))
	if err != nil {
		RespondError(c, err)
		return
	}
	SuccessWithMsg(c, "订阅等级已更新", inbox)
}
