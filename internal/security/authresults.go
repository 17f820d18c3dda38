package security

import (
	"regexp"
	"strings"

	"mailsink/backend/internal/domain"
)

var authResultsPattern = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)

// headerSource 只要求按名称读取邮件头
type headerSource interface {
	Header(name string) string
}

// ResolveAuthResults 合并提供商给出的认证结果与邮件头中的结果。
//
// 提供商字段优先；缺失项依次从 Authentication-Results、Received-SPF、
// X-Mailgun-Spf、X-Mailgun-Dkim-Check-Result 中解析。
func ResolveAuthResults(supplied domain.AuthResults, headers headerSource) domain.AuthResults {
	out := supplied
	if out.SPF != domain.AuthUnknown && out.DKIM != domain.AuthUnknown && out.DMARC != domain.AuthUnknown {
		return out
	}

	parsed := parseAuthenticationResults(headers.Header("Authentication-Results"))

	if out.SPF == domain.AuthUnknown {
		out.SPF = firstKnown(
			parsed.SPF,
			domain.ParseAuthResult(firstWord(headers.Header("Received-SPF"))),
			domain.ParseAuthResult(headers.Header("X-Mailgun-Spf")),
		)
	}
	if out.DKIM == domain.AuthUnknown {
		out.DKIM = firstKnown(
			parsed.DKIM,
			domain.ParseAuthResult(headers.Header("X-Mailgun-Dkim-Check-Result")),
		)
	}
	if out.DMARC == domain.AuthUnknown {
		out.DMARC = parsed.DMARC
	}
	return out
}

// parseAuthenticationResults 解析 RFC 8601 Authentication-Results 头，每种机制取第一次出现的结果
func parseAuthenticationResults(value string) domain.AuthResults {
	var out domain.AuthResults
	if value == "" {
		return out
	}
	for _, m := range authResultsPattern.FindAllStringSubmatch(value, -1) {
		result := domain.ParseAuthResult(m[2])
		switch strings.ToLower(m[1]) {
		case "spf":
			if out.SPF == domain.AuthUnknown {
				out.SPF = result
			}
		case "dkim":
			if out.DKIM == domain.AuthUnknown {
				out.DKIM = result
			}
		case "dmarc":
			if out.DMARC == domain.AuthUnknown {
				out.DMARC = result
			}
		}
	}
	return out
}

func firstKnown(results ...domain.AuthResult) domain.AuthResult {
	for _, r := range results {
		if r != domain.AuthUnknown {
			return r
		}
	}
	return domain.AuthUnknown
}

func firstWord(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
