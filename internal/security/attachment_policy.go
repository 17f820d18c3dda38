package security

import (
	"mime"
	"path/filepath"
	"strings"
)

// MaxAttachmentSize 单个附件的大小上限（10 MiB）
const MaxAttachmentSize int64 = 10 * 1024 * 1024

// 拦截原因，原样写入附件元数据
const (
	ReasonTooLarge       = "File size exceeds 10MB limit"
	ReasonTypeNotAllowed = "File type not allowed"
	ReasonDangerous      = "Potentially dangerous file type"
)

// Decision 附件校验结果
type Decision struct {
	Allowed bool
	Reason  string
}

// AttachmentValidator 附件校验器，按顺序匹配规则，命中第一条即返回
type AttachmentValidator struct {
	// 允许的 MIME 类型
	allowedMimeTypes map[string]bool

	// 允许的扩展名（MIME 不可信时的兜底）
	allowedExtensions map[string]bool

	// 危险扩展名，即便 MIME 看起来无害也拦截
	dangerousExtensions map[string]bool

	maxFileSize int64
}

// NewAttachmentValidator 创建附件校验器
func NewAttachmentValidator() *AttachmentValidator {
	return &AttachmentValidator{
		allowedMimeTypes: toSet(
			"text/plain", "text/html", "text/csv", "text/calendar",
			"application/pdf", "application/json", "application/xml",
			"application/zip", "application/x-zip-compressed",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.ms-powerpoint",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/svg+xml",
			"audio/mpeg", "audio/wav", "video/mp4",
			"message/rfc822",
		),
		allowedExtensions: toSet(
			".txt", ".html", ".htm", ".csv", ".ics",
			".pdf", ".json", ".xml", ".zip",
			".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg",
			".mp3", ".wav", ".mp4", ".eml",
		),
		dangerousExtensions: toSet(
			".exe", ".bat", ".cmd", ".scr", ".com", ".pif",
			".vbs", ".vbe", ".js", ".jse", ".jar", ".msi",
			".ps1", ".wsf", ".hta", ".cpl", ".dll", ".sh",
			".php", ".asp", ".aspx", ".jsp",
		),
		maxFileSize: MaxAttachmentSize,
	}
}

// Validate 校验附件元数据，不做任何 I/O
//
// 规则顺序:
//  1. 超过大小上限
//  2. MIME 与扩展名均不在允许列表
//  3. 危险扩展名
//  4. 放行
func (v *AttachmentValidator) Validate(filename, contentType string, size int64) Decision {
	if size > v.maxFileSize {
		return Decision{Reason: ReasonTooLarge}
	}

	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if !v.allowedMimeTypes[mediaType(contentType)] && !v.allowedExtensions[ext] {
		return Decision{Reason: ReasonTypeNotAllowed}
	}

	if v.dangerousExtensions[ext] {
		return Decision{Reason: ReasonDangerous}
	}

	return Decision{Allowed: true}
}

// mediaType 去掉参数并转为小写，无法解析时返回空串
func mediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

func toSet(items ...string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
