package httptransport

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailsink/backend/internal/auth/jwt"
	"mailsink/backend/internal/domain"
)

// AttachmentReader 读取附件元数据和内容
type AttachmentReader interface {
	Get(ctx context.Context, id string) (*domain.Attachment, error)
	Download(ctx context.Context, id string) (*domain.Attachment, []byte, error)
}

// EmailReader 读取邮件元数据，用于确定附件所属收件箱
type EmailReader interface {
	GetEmail(ctx context.Context, id string) (*domain.Email, error)
}

// AttachmentHandler 附件下载接口
type AttachmentHandler struct {
	attachments AttachmentReader
	emails      EmailReader
	tokens      *jwtpkg.Manager
	log         *zap.Logger
}

// NewAttachmentHandler 创建附件处理器
func NewAttachmentHandler(attachments AttachmentReader, emails EmailReader, tokens *jwtpkg.Manager, log *zap.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		attachments: attachments,
		emails:      emails,
		tokens:      tokens,
		log:         log,
	}
}

// Download 凭签名令牌下载附件，每次成功下载都会增加 download_count
func (h *AttachmentHandler) Download(c *gin.Context) {
	id := c.Param("id")
	token := c.Query("token")
	if token == "" {
		Unauthorized(c, MsgTokenRequired)
		return
	}
	if _, err := h.tokens.ValidateFor(token, id); err != nil {
		RespondError(c, err)
		return
	}

	attachment, data, err := h.attachments.Download(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Filename}))
	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Header("X-Content-SHA256", attachment.FileHash)
	c.Data(http.StatusOK, contentType, data)

	h.log.Info("attachment downloaded",
		zap.String("attachment_id", attachment.ID),
		zap.Int("download_count", attachment.DownloadCount),
	)
}

// IssueToken 为附件签发下载令牌（内部接口）
func (h *AttachmentHandler) IssueToken(c *gin.Context) {
	ctx := c.Request.Context()

	attachment, err := h.attachments.Get(ctx, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if !attachment.Stored() {
		RespondError(c, domain.ErrAttachmentUnavailable)
		return
	}

	email, err := h.emails.GetEmail(ctx, attachment.EmailID)
	if err != nil {
		RespondError(c, err)
		return
	}

	token, expiresAt, err := h.tokens.IssueDownloadToken(attachment.ID, email.InboxID)
	if err != nil {
		RespondError(c, fmt.Errorf("issue download token: %w", err))
		return
	}

	Success(c, gin.H{
		"attachmentId": attachment.ID,
		"token":        token,
		"expiresAt":    expiresAt,
		"downloadUrl":  "/v1/attachments/" + attachment.ID + "/download?token=" + token,
	})
}
