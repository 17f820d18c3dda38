package inbound

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mailsink/backend/internal/domain"
)

// JSONPayload JSON 提供商的 webhook 载荷
type JSONPayload struct {
	Type      string    `json:"type"`
	CreatedAt string    `json:"created_at"`
	Data      JSONEmail `json:"data"`
}

// JSONEmail JSON 载荷中的邮件部分
type JSONEmail struct {
	ID          string           `json:"id"`
	To          Recipients       `json:"to"`
	From        string           `json:"from"`
	Subject     string           `json:"subject"`
	HTML        string           `json:"html"`
	Text        string           `json:"text"`
	Headers     HeaderMap        `json:"headers"`
	Attachments []JSONAttachment `json:"attachments"`
	SpamScore   *float64         `json:"spam_score"`
	DKIMValid   *bool            `json:"dkim_valid"`
	SPFValid    *bool            `json:"spf_valid"`
	DMARCValid  *bool            `json:"dmarc_valid"`
}

// JSONAttachment 附件内容为 base64
type JSONAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Recipients 兼容字符串和字符串数组两种写法
type Recipients []string

// UnmarshalJSON 实现 json.Unmarshaler
func (r *Recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = splitRecipients(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*r = list
	return nil
}

// HeaderMap 兼容对象、[[k,v]] 和 [{name,value}] 三种邮件头写法。
//
// 键统一为 domain.HeaderKey 规范形式，只差大小写的键按出现顺序以最后一次为准。
type HeaderMap map[string]string

func (h HeaderMap) set(name, value string) {
	if key := domain.HeaderKey(name); key != "" {
		h[key] = value
	}
}

// UnmarshalJSON 实现 json.Unmarshaler
func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	out := make(HeaderMap)
	switch {
	case bytes.Equal(data, []byte("null")):
	case len(data) > 0 && data[0] == '{':
		// 逐个读取键值对，保留文档顺序
		dec := json.NewDecoder(bytes.NewReader(data))
		if _, err := dec.Token(); err != nil {
			return err
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			name, _ := tok.(string)
			var value string
			if err := dec.Decode(&value); err != nil {
				return err
			}
			out.set(name, value)
		}
		if _, err := dec.Token(); err != nil {
			return err
		}
	default:
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			var pair []string
			if err := json.Unmarshal(item, &pair); err == nil {
				if len(pair) == 2 {
					out.set(pair[0], pair[1])
				}
				continue
			}
			var named struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			}
			if err := json.Unmarshal(item, &named); err != nil {
				return err
			}
			out.set(named.Name, named.Value)
		}
	}
	*h = out
	return nil
}

// ParseJSON 解析 JSON 载荷
func ParseJSON(body []byte) (*JSONPayload, error) {
	var p JSONPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// Source 实现 Payload
func (p *JSONPayload) Source() domain.Source { return domain.SourceJSON }

func (p *JSONPayload) payload() {}

// AcceptsType 判断事件类型是否在允许列表中，不区分大小写
func (p *JSONPayload) AcceptsType(allowed []string) bool {
	for _, t := range allowed {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(p.Type)) {
			return true
		}
	}
	return false
}

// Validate 至少需要一个收件人
func (p *JSONPayload) Validate() error {
	if len(splitRecipients(p.Data.To...)) == 0 {
		return fmt.Errorf("%w: data.to", ErrMissingField)
	}
	return nil
}

// Normalize 实现 Payload，每个收件人生成一封邮件
func (p *JSONPayload) Normalize() ([]*domain.NormalizedMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	attachments := make([]domain.NormalizedAttachment, 0, len(p.Data.Attachments))
	for i, a := range p.Data.Attachments {
		att := domain.NormalizedAttachment{
			Filename:     DecodeHeader(a.Filename),
			ContentType:  a.ContentType,
			DeclaredSize: a.Size,
		}
		if a.Content != "" {
			data, err := decodeBase64(a.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: data.attachments[%d].content: %v", ErrMalformed, i, err)
			}
			att.Data = data
		}
		attachments = append(attachments, att)
	}

	headers := make(map[string]string, len(p.Data.Headers))
	for k, v := range p.Data.Headers {
		headers[domain.HeaderKey(k)] = v
	}

	msg := &domain.NormalizedMessage{
		Source:   domain.SourceJSON,
		From:     p.Data.From,
		Subject:  DecodeHeader(p.Data.Subject),
		TextBody: p.Data.Text,
		HTMLBody: p.Data.HTML,
		Headers:  headers,
		Auth: domain.AuthResults{
			SPF:   domain.AuthResultFromBool(p.Data.SPFValid),
			DKIM:  domain.AuthResultFromBool(p.Data.DKIMValid),
			DMARC: domain.AuthResultFromBool(p.Data.DMARCValid),
		},
		ProviderSpamScore: p.Data.SpamScore,
		Attachments:       attachments,
		ReceivedAt:        parseCreatedAt(p.CreatedAt),
	}

	// 提供商的邮件 ID 在重试之间保持不变，Message-ID 缺失时用它去重
	msg.MessageID = firstNonEmpty(strings.TrimSpace(msg.Header("Message-Id")), strings.TrimSpace(p.Data.ID))
	if msg.Subject == "" {
		msg.Subject = DecodeHeader(msg.Header("Subject"))
	}

	recipients := splitRecipients(p.Data.To...)
	out := make([]*domain.NormalizedMessage, 0, len(recipients))
	for _, rcpt := range recipients {
		out = append(out, cloneMessage(msg, rcpt))
	}
	return out, nil
}

// decodeBase64 先按标准编码解码，失败再尝试无填充和 URL 安全编码
func decodeBase64(content string) ([]byte, error) {
	content = strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, content)

	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(content)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// CreatedTime 返回事件的 created_at，缺失或格式错误时 ok 为 false
func (p *JSONPayload) CreatedTime() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(p.CreatedAt))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// parseCreatedAt 解析 RFC 3339 时间，失败时返回当前时间
func parseCreatedAt(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
