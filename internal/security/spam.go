package security

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"mailsink/backend/internal/domain"
)

// 评分上下限
const (
	MinSpamScore = 0.0
	MaxSpamScore = 10.0
)

// SpamProfile 描述某一提供商的评分权重与阈值。
//
// 两个提供商的 DKIM/SPF 权重和阈值不同，保持为显式配置，不合并。
type SpamProfile struct {
	Name           string
	DKIMFail       float64 // DKIM 失败或缺失
	SPFSoftFail    float64
	SPFFail        float64
	DMARCFail      float64
	KeywordHit     float64 // 每个不同关键词
	NoReplySender  float64
	DigitSender    float64 // 发件人含连续 5 位及以上数字
	CapsSubject    float64 // 主题大写字母比例 > 0.7
	Exclamation    float64 // 主题中每个感叹号
	ExclamationCap float64
	Threshold      float64
}

// FormSpamProfile 表单提供商的评分配置
func FormSpamProfile() SpamProfile {
	return SpamProfile{
		Name:           string(domain.SourceForm),
		DKIMFail:       2.0,
		SPFSoftFail:    1.0,
		SPFFail:        2.0,
		DMARCFail:      2.5,
		KeywordHit:     0.5,
		NoReplySender:  0.5,
		DigitSender:    1.0,
		CapsSubject:    1.5,
		Exclamation:    0.3,
		ExclamationCap: 2.0,
		Threshold:      4.0,
	}
}

// JSONSpamProfile JSON 提供商的评分配置，其 SPF 字段只有真假，false 按失败计
func JSONSpamProfile() SpamProfile {
	return SpamProfile{
		Name:           string(domain.SourceJSON),
		DKIMFail:       1.5,
		SPFSoftFail:    1.0,
		SPFFail:        1.0,
		DMARCFail:      2.5,
		KeywordHit:     0.5,
		NoReplySender:  0.5,
		DigitSender:    1.0,
		CapsSubject:    1.0,
		Exclamation:    0.3,
		ExclamationCap: 2.0,
		Threshold:      5.0,
	}
}

// WithThreshold 返回替换阈值后的副本
func (p SpamProfile) WithThreshold(threshold float64) SpamProfile {
	p.Threshold = threshold
	return p
}

// SpamVerdict 评分结果
type SpamVerdict struct {
	Score   float64  `json:"score"`
	IsSpam  bool     `json:"isSpam"`
	Reasons []string `json:"reasons,omitempty"`
}

var digitRunPattern = regexp.MustCompile(`[0-9]{5,}`)

// minCapsLetters 主题字母数少于此值时不计算大写比例
const minCapsLetters = 5

// SpamScorer 启发式垃圾邮件评分器。评分只做标记，不拦截投递。
type SpamScorer struct {
	keywords []string
}

// NewSpamScorer 创建评分器
func NewSpamScorer() *SpamScorer {
	return &SpamScorer{
		keywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
			"claim your prize", "wire transfer", "verify your account",
			"100% free", "cash bonus", "risk-free",
		},
	}
}

// Score 计算邮件评分，纯函数
func (s *SpamScorer) Score(msg *domain.NormalizedMessage, profile SpamProfile) SpamVerdict {
	var (
		score   float64
		reasons []string
	)
	add := func(weight float64, reason string) {
		if weight == 0 {
			return
		}
		score += weight
		reasons = append(reasons, reason)
	}

	auth := ResolveAuthResults(msg.Auth, msg)
	if auth.DKIM != domain.AuthPass {
		add(profile.DKIMFail, "dkim_"+authLabel(auth.DKIM))
	}
	switch auth.SPF {
	case domain.AuthFail:
		add(profile.SPFFail, "spf_fail")
	case domain.AuthSoftFail:
		add(profile.SPFSoftFail, "spf_softfail")
	}
	if auth.DMARC == domain.AuthFail {
		add(profile.DMARCFail, "dmarc_fail")
	}

	body := msg.TextBody
	if strings.TrimSpace(body) == "" && msg.HTMLBody != "" {
		body = htmlText(msg.HTMLBody)
	}
	content := strings.ToLower(msg.Subject + "\n" + body)
	for _, kw := range s.keywords {
		if strings.Contains(content, kw) {
			add(profile.KeywordHit, "keyword:"+kw)
		}
	}

	sender := strings.ToLower(msg.From)
	if strings.Contains(sender, "noreply") {
		add(profile.NoReplySender, "noreply_sender")
	}
	if digitRunPattern.MatchString(sender) {
		add(profile.DigitSender, "numeric_sender")
	}

	if capsRatio(msg.Subject) > 0.7 {
		add(profile.CapsSubject, "caps_subject")
	}

	if n := strings.Count(msg.Subject, "!"); n > 0 {
		add(math.Min(float64(n)*profile.Exclamation, profile.ExclamationCap), "exclamation")
	}

	if msg.ProviderSpamScore != nil && *msg.ProviderSpamScore > score {
		score = *msg.ProviderSpamScore
		reasons = append(reasons, "provider_score")
	}

	score = clampScore(score)
	return SpamVerdict{
		Score:   score,
		IsSpam:  score >= profile.Threshold,
		Reasons: reasons,
	}
}

// clampScore 限制在 [0,10] 并保留两位小数
func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return MinSpamScore
	}
	score = math.Max(MinSpamScore, math.Min(MaxSpamScore, score))
	return math.Round(score*100) / 100
}

// capsRatio 计算主题中大写字母占全部字母的比例
func capsRatio(subject string) float64 {
	var letters, upper int
	for _, r := range subject {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < minCapsLetters {
		return 0
	}
	return float64(upper) / float64(letters)
}

// htmlText 提取 HTML 正文的纯文本，解析失败时返回空串
func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style").Remove()
	return doc.Text()
}

func authLabel(r domain.AuthResult) string {
	if r == domain.AuthUnknown {
		return "missing"
	}
	return string(r)
}
