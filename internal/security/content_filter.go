package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// 默认阈值
const (
	DefaultMaxURLs           = 10
	DefaultMaxUppercaseRatio = 0.5
	DefaultMinLengthForCaps  = 50
)

// DefaultSpamKeywords 默认关键词黑名单
var DefaultSpamKeywords = []string{
	"viagra", "casino", "lottery", "free money", "click here now",
	"act now", "no risk", "earn money fast", "work from home",
	"wire transfer", "crypto giveaway",
}

var urlPattern = regexp.MustCompile(`(?i)https?://`)

// FilterConfig 过滤阈值
type FilterConfig struct {
	Keywords          []string
	MaxURLs           int     // 正文中允许的最多 URL 数
	MaxUppercaseRatio float64 // 大写字母占比上限
	MinLengthForCaps  int     // 正文长度超过该值才检查大写占比
}

// Verdict 过滤结果
type Verdict struct {
	Spam   bool
	Rule   string
	Reason string
}

// ContentFilter 垃圾邮件启发式过滤器
//
// 只做粗粒度的第一道防线：关键词、URL 数量和大写占比，任意一项命中即判定为垃圾邮件。
// 过滤器无状态，可并发使用。
type ContentFilter struct {
	keywords []string
	cfg      FilterConfig
}

// NewContentFilter 创建内容过滤器，零值字段使用默认阈值
func NewContentFilter(cfg FilterConfig) *ContentFilter {
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultSpamKeywords
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = DefaultMaxURLs
	}
	if cfg.MaxUppercaseRatio <= 0 {
		cfg.MaxUppercaseRatio = DefaultMaxUppercaseRatio
	}
	if cfg.MinLengthForCaps <= 0 {
		cfg.MinLengthForCaps = DefaultMinLengthForCaps
	}

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &ContentFilter{keywords: keywords, cfg: cfg}
}

// Check 检查主题和正文
func (cf *ContentFilter) Check(subject, body string) Verdict {
	if keyword, ok := cf.matchKeyword(subject + "\n" + body); ok {
		return Verdict{Spam: true, Rule: "keyword", Reason: fmt.Sprintf("blacklisted keyword %q", keyword)}
	}

	if n := len(urlPattern.FindAllStringIndex(body, -1)); n > cf.cfg.MaxURLs {
		return Verdict{Spam: true, Rule: "urls", Reason: fmt.Sprintf("%d links exceed limit of %d", n, cf.cfg.MaxURLs)}
	}

	if ratio, checked := cf.uppercaseRatio(body); checked && ratio > cf.cfg.MaxUppercaseRatio {
		return Verdict{Spam: true, Rule: "caps", Reason: fmt.Sprintf("uppercase ratio %.2f exceeds %.2f", ratio, cf.cfg.MaxUppercaseRatio)}
	}

	return Verdict{}
}

// matchKeyword 检查黑名单关键词（大小写不敏感）
func (cf *ContentFilter) matchKeyword(content string) (string, bool) {
	contentLower := strings.ToLower(content)
	for _, keyword := range cf.keywords {
		if strings.Contains(contentLower, keyword) {
			return keyword, true
		}
	}
	return "", false
}

// uppercaseRatio 大写字母数 / 字符数，正文不够长时不检查
func (cf *ContentFilter) uppercaseRatio(body string) (float64, bool) {
	total := utf8.RuneCountInString(body)
	if total <= cf.cfg.MinLengthForCaps {
		return 0, false
	}
	upper := 0
	for _, r := range body {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper) / float64(total), true
}
