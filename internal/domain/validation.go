package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 72 chars)")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253

	// bcrypt 只使用前 72 字节
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

var (
	localPartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*[a-z0-9]$|^[a-z0-9]$`)
	domainRegex    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,61}[a-z0-9]?(\.[a-z0-9][a-z0-9-]{0,61}[a-z0-9]?)*$`)
)

// NormalizeAddress 规范化收件人地址：去掉显示名和空白并转为小写。
//
// 支持 "Name <user@host>" 与裸地址两种写法。
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidEmail
	}
	if len(raw) > MaxEmailLength*2 {
		return "", ErrEmailTooLong
	}

	addr := raw
	if parsed, err := mail.ParseAddress(raw); err == nil {
		addr = parsed.Address
	} else if start, end := strings.LastIndex(raw, "<"), strings.LastIndex(raw, ">"); start >= 0 && end > start {
		addr = raw[start+1 : end]
	}

	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", ErrInvalidEmail
	}
	return addr, nil
}

// SplitAddress 拆分为本地部分与域名
func SplitAddress(addr string) (local, domainPart string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// ValidateLocalPart 校验收件箱前缀
func ValidateLocalPart(localPart string) error {
	if localPart == "" || len(localPart) > MaxLocalPartLength {
		return ErrInvalidLocalPart
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 校验域名格式
func ValidateDomain(domainName string) error {
	if domainName == "" || len(domainName) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domainName) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidatePassword 校验收件箱访问密码长度
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}
