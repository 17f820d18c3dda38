// Package inbound 解析两种 webhook 载荷并归一化为 domain.NormalizedMessage。
//
// 表单提供商和 JSON 提供商的字段完全不同，这里把差异收敛到 Normalize，
// 评分和附件校验只面对统一结构。
package inbound

import (
	"errors"
	"strings"

	"mailsink/backend/internal/domain"
)

var (
	// ErrMissingField 缺少必填字段
	ErrMissingField = errors.New("missing required field")
	// ErrMalformed 载荷无法解析
	ErrMalformed = errors.New("malformed payload")
)

// Payload 入站载荷，取值为 *FormPayload 或 *JSONPayload
type Payload interface {
	// Source 标识载荷来源
	Source() domain.Source
	// Normalize 为每个收件人生成一封归一化邮件
	Normalize() ([]*domain.NormalizedMessage, error)

	payload()
}

// splitRecipients 拆分逗号分隔的收件人并去重，保持原有顺序
func splitRecipients(values ...string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key := strings.ToLower(part)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, part)
		}
	}
	return out
}

// firstNonEmpty 返回第一个非空白字符串
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// cloneMessage 为另一个收件人复制邮件，附件内容共享只读
func cloneMessage(msg *domain.NormalizedMessage, recipient string) *domain.NormalizedMessage {
	clone := *msg
	clone.Recipient = recipient
	clone.Headers = make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		clone.Headers[k] = v
	}
	clone.Attachments = append([]domain.NormalizedAttachment(nil), msg.Attachments...)
	return &clone
}
