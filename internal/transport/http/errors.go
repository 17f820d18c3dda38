package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	jwtpkg "mailsink/backend/internal/auth/jwt"
	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/inbound"
	"mailsink/backend/internal/service"
	"mailsink/backend/internal/storage"
)

// errorMapping 错误到 HTTP 状态码和中文消息的映射，按顺序匹配，更具体的错误在前
var errorMapping = []struct {
	err    error
	status int
	msg    string
}{
	{service.ErrDomainNotAllowed, http.StatusBadRequest, "域名不在允许列表中"},
	{service.ErrPrefixInvalid, http.StatusBadRequest, "邮箱前缀格式无效"},
	{service.ErrInvalidTTL, http.StatusBadRequest, "有效期超出允许范围"},
	{service.ErrInvalidTier, http.StatusBadRequest, "未知的订阅等级"},
	{service.ErrReaperBusy, http.StatusConflict, "清理任务正在运行"},
	{inbound.ErrMissingField, http.StatusBadRequest, "缺少必填字段"},
	{inbound.ErrMalformed, http.StatusBadRequest, "请求载荷格式错误"},
	{jwtpkg.ErrExpiredToken, http.StatusUnauthorized, "下载链接已过期"},
	{jwtpkg.ErrInvalidToken, http.StatusUnauthorized, "下载令牌无效"},
	{storage.ErrInboxExists, http.StatusConflict, "邮箱地址已被占用"},

	{domain.ErrAuthentication, http.StatusUnauthorized, "签名校验失败"},
	{domain.ErrInboxNotFound, http.StatusNotFound, "收件箱不存在或已过期"},
	{domain.ErrQuotaExceeded, http.StatusTooManyRequests, "收件箱邮件数量已达上限"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "创建收件箱过于频繁，请稍后重试"},
	{domain.ErrServiceUnavailable, http.StatusServiceUnavailable, "服务暂不可用，请稍后重试"},
	{domain.ErrValidation, http.StatusBadRequest, "请求参数无效"},
	{domain.ErrAttachmentNotFound, http.StatusNotFound, "附件不存在"},
	{domain.ErrAttachmentUnavailable, http.StatusGone, "附件内容不可用"},
	{domain.ErrEmailNotFound, http.StatusNotFound, "邮件不存在"},
	{domain.ErrStorage, http.StatusInternalServerError, "附件存储失败"},
	{domain.ErrPersistence, http.StatusInternalServerError, MsgInternalError},
}

// StatusFor 返回错误对应的 HTTP 状态码和消息，未知错误一律 500
func StatusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternalError
}

// RespondError 按错误类型写出统一错误响应
func RespondError(c *gin.Context, err error) {
	status, msg := StatusFor(err)
	_ = c.Error(err)
	Error(c, status, msg)
}

// 通用错误消息
const (
	MsgInvalidRequest  = "请求参数格式错误"
	MsgInvalidDuration = "时长格式无效"
	MsgPremiumInternal = "高级收件箱只能通过内部接口创建"
	MsgTokenRequired   = "缺少下载令牌"
	MsgEventIgnored    = "事件类型已忽略"
	MsgInternalError   = "服务器内部错误，请稍后重试"
)
