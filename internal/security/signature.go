package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

// SignaturePrefix 是 JSON 提供商签名头的可选前缀
const SignaturePrefix = "sha256="

// ComputeSignature 计算 HMAC-SHA256 并以小写十六进制返回
func ComputeSignature(secret string, parts ...string) string {
	h := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyFormSignature 校验表单提供商的签名。
//
// 签名为 hex(HMAC-SHA256(secret, timestamp+token))，比较时忽略大小写。
// secret 未配置时一律返回 false。
func VerifyFormSignature(timestamp, token, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := ComputeSignature(secret, timestamp, token)
	return equalHex(expected, signature)
}

// VerifyBodySignature 校验 JSON 提供商的请求体签名，header 形如 "sha256=<hex>"
func VerifyBodySignature(body []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	provided := strings.TrimSpace(header)
	if len(provided) >= len(SignaturePrefix) && strings.EqualFold(provided[:len(SignaturePrefix)], SignaturePrefix) {
		provided = provided[len(SignaturePrefix):]
	}
	if provided == "" {
		return false
	}

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return equalHex(hex.EncodeToString(h.Sum(nil)), provided)
}

// WithinTolerance 判断 unix 秒时间戳是否在允许的时钟偏差内，tolerance 为 0 时不检查
func WithinTolerance(timestamp string, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		return true
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	return WithinWindow(time.Unix(sec, 0), now, tolerance)
}

// WithinWindow 判断事件时间与 now 的偏差是否在 tolerance 内，tolerance 为 0 时不检查
func WithinWindow(at, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		return true
	}
	delta := now.Sub(at)
	return math.Abs(float64(delta)) <= float64(tolerance)
}

// equalHex 忽略大小写比较两个十六进制串，长度相同时比较耗时恒定
func equalHex(expected, provided string) bool {
	a := []byte(strings.ToLower(expected))
	b := []byte(strings.ToLower(strings.TrimSpace(provided)))
	return subtle.ConstantTimeCompare(a, b) == 1
}
