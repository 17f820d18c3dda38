package domain

import "errors"

// 摄取流水线的错误分类。传输层统一在一处把它们映射为 HTTP 状态码。
var (
	// ErrAuthentication webhook 签名缺失或错误（401，终止请求）
	ErrAuthentication = errors.New("webhook authentication failed")
	// ErrInboxNotFound 没有匹配的有效收件箱（404）
	ErrInboxNotFound = errors.New("inbox not found")
	// ErrQuotaExceeded 收件箱邮件数量已达上限（429）
	ErrQuotaExceeded = errors.New("inbox quota exceeded")
	// ErrRateLimited 同一 IP 创建收件箱过于频繁（429）
	ErrRateLimited = errors.New("inbox creation rate limit exceeded")
	// ErrServiceUnavailable 限流后端不可用，按失败关闭处理（503）
	ErrServiceUnavailable = errors.New("rate limit backend unavailable")
	// ErrValidation 请求或载荷字段不合法（400）
	ErrValidation = errors.New("validation failed")
	// ErrStorage 附件写入对象存储失败，仅影响单个附件
	ErrStorage = errors.New("blob storage failure")
	// ErrPersistence 数据库写入失败（500）
	ErrPersistence = errors.New("persistence failure")
	// ErrDuplicateMessage 同一收件箱内 message_id 重复，按成功空操作处理
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrAttachmentNotFound 附件不存在
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrAttachmentUnavailable 附件被拦截或内容已被回收
	ErrAttachmentUnavailable = errors.New("attachment content unavailable")
	// ErrEmailNotFound 邮件不存在
	ErrEmailNotFound = errors.New("email not found")
)
