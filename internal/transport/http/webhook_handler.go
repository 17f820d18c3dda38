package httptransport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailsink/backend/internal/auth/jwt"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/inbound"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/service"
)

const (
	// HeaderWebhookSignature JSON 提供商的签名头
	HeaderWebhookSignature = "X-Webhook-Signature"

	// 表单解析时保留在内存中的上限，超出部分写入临时文件
	formMaxMemory = 32 << 20
)

// Ingester 邮件入库流程
type Ingester interface {
	Ingest(ctx context.Context, msg *domain.NormalizedMessage) (*service.IngestResult, error)
}

// DownloadToken 入库后随响应返回的附件下载令牌
type DownloadToken struct {
	AttachmentID string    `json:"attachmentId"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RecipientResult 单个收件人的处理结果
type RecipientResult struct {
	*service.IngestResult
	Status         int             `json:"status"`
	Error          string          `json:"error,omitempty"`
	DownloadTokens []DownloadToken `json:"downloadTokens,omitempty"`
}

// WebhookHandler 处理两种提供商的入站 webhook
type WebhookHandler struct {
	ingester Ingester
	tokens   *jwtpkg.Manager
	cfg      config.WebhookConfig
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewWebhookHandler 创建 webhook 处理器，tokens 为 nil 时不签发下载令牌
func NewWebhookHandler(ingester Ingester, tokens *jwtpkg.Manager, cfg config.WebhookConfig, metrics *monitoring.Metrics, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingester: ingester,
		tokens:   tokens,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// HandleForm 处理表单提供商的 webhook（multipart 或 urlencoded）。
//
// 签名字段缺失返回 400，签名错误返回 401，两种情况都不会写入任何数据。
func (h *WebhookHandler) HandleForm(c *gin.Context) {
	source := string(domain.SourceForm)

	payload, err := inbound.ParseForm(c.Request, formMaxMemory)
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}
	if err := payload.SignatureFields(); err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}
	if !security.WithinTolerance(payload.Timestamp, h.now(), h.cfg.Form.Tolerance) {
		h.reject(c, source, http.StatusUnauthorized, errors.New("timestamp outside tolerance"))
		return
	}
	if !security.VerifyFormSignature(payload.Timestamp, payload.Token, payload.Signature, h.cfg.Form.Secret) {
		h.reject(c, source, http.StatusUnauthorized, domain.ErrAuthentication)
		return
	}
	if err := payload.Validate(); err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}

	h.ingest(c, payload)
}

// HandleJSON 处理 JSON 提供商的 webhook。
//
// 签名覆盖原始请求体，在解析之前校验。配置了 tolerance 时 created_at 超出偏差返回 401。
// 不在允许列表中的事件类型返回 200 并忽略。
func (h *WebhookHandler) HandleJSON(c *gin.Context) {
	source := string(domain.SourceJSON)

	body, err := c.GetRawData()
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}
	if !security.VerifyBodySignature(body, c.GetHeader(HeaderWebhookSignature), h.cfg.JSON.Secret) {
		h.reject(c, source, http.StatusUnauthorized, domain.ErrAuthentication)
		return
	}

	payload, err := inbound.ParseJSON(body)
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}
	if tolerance := h.cfg.JSON.Tolerance; tolerance > 0 {
		createdAt, ok := payload.CreatedTime()
		if !ok || !security.WithinWindow(createdAt, h.now(), tolerance) {
			h.reject(c, source, http.StatusUnauthorized, errors.New("created_at outside tolerance"))
			return
		}
	}
	if !payload.AcceptsType(h.cfg.JSON.EventTypes) {
		h.log.Info("ignoring webhook event type", zap.String("type", payload.Type))
		h.metrics.RecordWebhook(source, "ignored", http.StatusOK)
		SuccessWithMsg(c, MsgEventIgnored, gin.H{"type": payload.Type, "ignored": true})
		return
	}
	if err := payload.Validate(); err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}

	h.ingest(c, payload)
}

// ingest 对每个收件人独立入库。
//
// 任一收件人成功即返回 200；全部失败时返回第一个失败的状态码。
func (h *WebhookHandler) ingest(c *gin.Context, payload inbound.Payload) {
	source := string(payload.Source())

	messages, err := payload.Normalize()
	if err != nil {
		h.reject(c, source, http.StatusBadRequest, err)
		return
	}

	results := make([]RecipientResult, 0, len(messages))
	status := 0
	for _, msg := range messages {
		result, err := h.ingester.Ingest(c.Request.Context(), msg)
		if result == nil {
			result = &service.IngestResult{State: service.StateRejected, Recipient: msg.Recipient}
		}
		rr := RecipientResult{IngestResult: result, Status: http.StatusOK}
		if err != nil {
			rr.Status, rr.Error = StatusFor(err)
			_ = c.Error(err)
		} else {
			rr.DownloadTokens = h.issueTokens(result)
		}
		h.metrics.RecordWebhook(source, string(result.State), rr.Status)

		switch {
		case rr.Status == http.StatusOK:
			status = http.StatusOK
		case status == 0:
			status = rr.Status
		}
		results = append(results, rr)
	}

	c.Set(middleware.ContextKeyIngestState, results[0].State)

	var data interface{} = results[0]
	if len(results) > 1 {
		data = gin.H{"recipients": results}
	}
	if status == http.StatusOK {
		Success(c, data)
		return
	}
	ErrorWithData(c, status, results[0].Error, data)
}

// issueTokens 为已存储的附件签发下载令牌，签发失败只记录日志
func (h *WebhookHandler) issueTokens(result *service.IngestResult) []DownloadToken {
	if h.tokens == nil || result == nil {
		return nil
	}

	var tokens []DownloadToken
	for _, att := range result.Attachments {
		if att.Status != service.AttachmentStored {
			continue
		}
		token, expiresAt, err := h.tokens.IssueDownloadToken(att.AttachmentID, result.InboxID)
		if err != nil {
			h.log.Warn("failed to issue download token",
				zap.String("attachment_id", att.AttachmentID),
				zap.Error(err),
			)
			continue
		}
		tokens = append(tokens, DownloadToken{AttachmentID: att.AttachmentID, Token: token, ExpiresAt: expiresAt})
	}
	return tokens
}

// reject 在入库之前拒绝请求
func (h *WebhookHandler) reject(c *gin.Context, source string, status int, err error) {
	h.log.Warn("webhook rejected",
		zap.String("source", source),
		zap.Int("status", status),
		zap.String("ip", c.ClientIP()),
		zap.Error(err),
	)
	h.metrics.RecordWebhook(source, string(service.StateRejected), status)
	c.Set(middleware.ContextKeyIngestState, service.StateRejected)
	_ = c.Error(err)

	msg := MsgInvalidRequest
	switch {
	case status == http.StatusUnauthorized:
		msg = "签名校验失败"
	case errors.Is(err, inbound.ErrMissingField):
		msg = "缺少必填字段: " + err.Error()
	case errors.Is(err, inbound.ErrMalformed):
		msg = "请求载荷格式错误"
	}
	Error(c, status, msg)
}
