package domain

import (
	"net/textproto"
	"strings"
	"time"
)

// AuthResult 表示 SPF/DKIM/DMARC 单项认证结果。
type AuthResult string

const (
	AuthUnknown  AuthResult = ""
	AuthPass     AuthResult = "pass"
	AuthFail     AuthResult = "fail"
	AuthSoftFail AuthResult = "softfail"
	AuthNeutral  AuthResult = "neutral"
	AuthNone     AuthResult = "none"
)

// ParseAuthResult 将提供商或邮件头中的结果文本规范化
func ParseAuthResult(value string) AuthResult {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pass":
		return AuthPass
	case "fail", "hardfail", "permerror":
		return AuthFail
	case "softfail":
		return AuthSoftFail
	case "neutral":
		return AuthNeutral
	case "none":
		return AuthNone
	default:
		return AuthUnknown
	}
}

// AuthResultFromBool 将 JSON 提供商的布尔校验字段转换为认证结果，nil 表示未提供
func AuthResultFromBool(valid *bool) AuthResult {
	if valid == nil {
		return AuthUnknown
	}
	if *valid {
		return AuthPass
	}
	return AuthFail
}

// AuthResults 汇总发件人认证结果。
type AuthResults struct {
	SPF   AuthResult `json:"spf"`
	DKIM  AuthResult `json:"dkim"`
	DMARC AuthResult `json:"dmarc"`
}

// NormalizedAttachment 是与载荷格式无关的附件表示。
type NormalizedAttachment struct {
	Filename    string
	ContentType string
	// DeclaredSize 为提供商声明的大小，Data 已解码时以 len(Data) 为准
	DeclaredSize int64
	Data         []byte
}

// Size 返回附件实际字节数
func (a *NormalizedAttachment) Size() int64 {
	if a.Data != nil {
		return int64(len(a.Data))
	}
	return a.DeclaredSize
}

// NormalizedMessage 是两种 webhook 载荷归一化后的统一邮件结构，
// 垃圾评分和附件校验只依赖它。
type NormalizedMessage struct {
	Source      Source
	Recipient   string
	From        string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	MessageID   string
	Auth        AuthResults
	// ProviderSpamScore 为提供商给出的评分，nil 表示未提供
	ProviderSpamScore *float64
	Attachments       []NormalizedAttachment
	ReceivedAt        time.Time
}

// HeaderKey 返回邮件头键的规范形式，只差大小写的键落到同一个键上
func HeaderKey(name string) string {
	return textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
}

// SetHeader 以规范键写入邮件头，同名（不区分大小写）后写覆盖先写
func (m *NormalizedMessage) SetHeader(name, value string) {
	key := HeaderKey(name)
	if key == "" {
		return
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Header 按不区分大小写的方式读取邮件头，Headers 的键须为 HeaderKey 规范形式
func (m *NormalizedMessage) Header(name string) string {
	return m.Headers[HeaderKey(name)]
}
