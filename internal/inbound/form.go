package inbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"mailsink/backend/internal/domain"
)

// 表单提供商的字段名
const (
	fieldRecipient        = "recipient"
	fieldSender           = "sender"
	fieldFrom             = "from"
	fieldSubject          = "subject"
	fieldBodyPlain        = "body-plain"
	fieldBodyHTML         = "body-html"
	fieldStrippedText     = "stripped-text"
	fieldStrippedHTML     = "stripped-html"
	fieldBodyMIME         = "body-mime"
	fieldAttachmentCount  = "attachment-count"
	fieldTimestamp        = "timestamp"
	fieldToken            = "token"
	fieldSignature        = "signature"
	fieldMessageHeaders   = "message-headers"
	attachmentFieldPrefix = "attachment-"
)

// FormPayload 表单提供商（multipart 或 urlencoded）的载荷
type FormPayload struct {
	Recipient       string
	Sender          string
	From            string
	Subject         string
	BodyPlain       string
	BodyHTML        string
	StrippedText    string
	StrippedHTML    string
	BodyMIME        string
	AttachmentCount int
	Timestamp       string
	Token           string
	Signature       string
	MessageHeaders  string // 原始 JSON，形如 [["Key","Value"], ...]
	Attachments     []domain.NormalizedAttachment
}

// ParseForm 从 HTTP 请求中读取表单载荷，multipart 与 urlencoded 都支持
func ParseForm(r *http.Request, maxMemory int64) (*FormPayload, error) {
	err := r.ParseMultipartForm(maxMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if errors.Is(err, http.ErrNotMultipart) {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	p := &FormPayload{
		Recipient:      r.PostFormValue(fieldRecipient),
		Sender:         r.PostFormValue(fieldSender),
		From:           r.PostFormValue(fieldFrom),
		Subject:        r.PostFormValue(fieldSubject),
		BodyPlain:      r.PostFormValue(fieldBodyPlain),
		BodyHTML:       r.PostFormValue(fieldBodyHTML),
		StrippedText:   r.PostFormValue(fieldStrippedText),
		StrippedHTML:   r.PostFormValue(fieldStrippedHTML),
		BodyMIME:       r.PostFormValue(fieldBodyMIME),
		Timestamp:      r.PostFormValue(fieldTimestamp),
		Token:          r.PostFormValue(fieldToken),
		Signature:      r.PostFormValue(fieldSignature),
		MessageHeaders: r.PostFormValue(fieldMessageHeaders),
	}

	if raw := strings.TrimSpace(r.PostFormValue(fieldAttachmentCount)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid %s %q", ErrMalformed, fieldAttachmentCount, raw)
		}
		p.AttachmentCount = n
	}

	if r.MultipartForm != nil {
		attachments, err := readAttachments(r.MultipartForm, p.AttachmentCount)
		if err != nil {
			return nil, err
		}
		p.Attachments = attachments
	}

	return p, nil
}

// readAttachments 按 attachment-1..N 的顺序读取文件字段。
//
// attachment-count 缺失时收集所有 attachment-* 字段并按序号排序。
func readAttachments(form *multipart.Form, count int) ([]domain.NormalizedAttachment, error) {
	fields := make([]string, 0, count)
	if count > 0 {
		for i := 1; i <= count; i++ {
			fields = append(fields, attachmentFieldPrefix+strconv.Itoa(i))
		}
	} else {
		indexes := make([]int, 0)
		for name := range form.File {
			if n, ok := attachmentIndex(name); ok {
				indexes = append(indexes, n)
			}
		}
		sort.Ints(indexes)
		for _, n := range indexes {
			fields = append(fields, attachmentFieldPrefix+strconv.Itoa(n))
		}
	}

	attachments := make([]domain.NormalizedAttachment, 0, len(fields))
	for _, field := range fields {
		for _, header := range form.File[field] {
			data, err := readFile(header)
			if err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, field, err)
			}
			attachments = append(attachments, domain.NormalizedAttachment{
				Filename:     DecodeHeader(header.Filename),
				ContentType:  header.Header.Get("Content-Type"),
				DeclaredSize: header.Size,
				Data:         data,
			})
		}
	}
	return attachments, nil
}

func attachmentIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, attachmentFieldPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, attachmentFieldPrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Source 实现 Payload
func (p *FormPayload) Source() domain.Source { return domain.SourceForm }

func (p *FormPayload) payload() {}

// SignatureFields 检查签名相关字段是否齐全
func (p *FormPayload) SignatureFields() error {
	var missing []string
	for name, value := range map[string]string{
		fieldTimestamp: p.Timestamp,
		fieldToken:     p.Token,
		fieldSignature: p.Signature,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	return missingFields(missing)
}

// Validate 检查收件人和发件人
func (p *FormPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Recipient) == "" {
		missing = append(missing, fieldRecipient)
	}
	if strings.TrimSpace(p.Sender) == "" {
		missing = append(missing, fieldSender)
	}
	return missingFields(missing)
}

// Normalize 实现 Payload。recipient 含多个地址时每个地址生成一封邮件
func (p *FormPayload) Normalize() ([]*domain.NormalizedMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	headers, err := parseHeaderPairs(p.MessageHeaders)
	if err != nil {
		return nil, err
	}

	msg := &domain.NormalizedMessage{
		Source:      domain.SourceForm,
		From:        firstNonEmpty(p.From, p.Sender),
		Subject:     DecodeHeader(p.Subject),
		TextBody:    firstNonEmpty(p.BodyPlain, p.StrippedText),
		HTMLBody:    firstNonEmpty(p.BodyHTML, p.StrippedHTML),
		Headers:     headers,
		Attachments: p.Attachments,
		ReceivedAt:  parseUnixTimestamp(p.Timestamp),
	}

	if p.BodyMIME != "" {
		if err := mergeMIME(msg, p.BodyMIME); err != nil {
			return nil, err
		}
	}

	if msg.Subject == "" {
		msg.Subject = DecodeHeader(msg.Header("Subject"))
	}
	msg.MessageID = strings.TrimSpace(msg.Header("Message-Id"))

	recipients := splitRecipients(p.Recipient)
	if len(recipients) == 0 {
		return nil, missingFields([]string{fieldRecipient})
	}
	out := make([]*domain.NormalizedMessage, 0, len(recipients))
	for _, rcpt := range recipients {
		out = append(out, cloneMessage(msg, rcpt))
	}
	return out, nil
}

// mergeMIME 用原始邮件补齐缺失的正文、邮件头和附件
func mergeMIME(msg *domain.NormalizedMessage, raw string) error {
	content, err := ParseMIME([]byte(raw))
	if err != nil {
		return err
	}
	if msg.TextBody == "" {
		msg.TextBody = content.Text
	}
	if msg.HTMLBody == "" {
		msg.HTMLBody = content.HTML
	}
	for k, v := range content.Headers {
		if msg.Header(k) == "" {
			msg.SetHeader(k, v)
		}
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = content.Attachments
	}
	return nil
}

// parseHeaderPairs 解析 [["Key","Value"], ...]，重复的键以最后一次为准
func parseHeaderPairs(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers, nil
	}

	var pairs [][]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, fieldMessageHeaders, err)
	}
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		if key := domain.HeaderKey(pair[0]); key != "" {
			headers[key] = pair[1]
		}
	}
	return headers, nil
}

// parseUnixTimestamp 解析 unix 秒，失败时返回当前时间
func parseUnixTimestamp(value string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func missingFields(names []string) error {
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(names, ", "))
}
