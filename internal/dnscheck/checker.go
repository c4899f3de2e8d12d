// Package dnscheck 通过指定的递归解析器确认邮件域名的 DNS 记录是否已经发布。
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
)

// ErrNoAnswer 查询没有返回记录
var ErrNoAnswer = errors.New("no records found")

// RecordStatus 单条记录的发布状态
type RecordStatus struct {
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Expected  string   `json:"expected"`
	Found     []string `json:"found"`
	Published bool     `json:"published"`
	Error     string   `json:"error,omitempty"`
}

// Report 域名的检查报告
type Report struct {
	Domain       string         `json:"domain"`
	Records      []RecordStatus `json:"records"`
	AllPublished bool           `json:"allPublished"`
	CheckedAt    time.Time      `json:"checkedAt"`
}

// MX 一条 MX 记录
type MX struct {
	Host       string
	Preference uint16
}

// Checker DNS 检查器
type Checker struct {
	client   *dns.Client
	resolver string
}

// NewChecker 创建检查器
func NewChecker(cfg config.DNSConfig) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resolver := cfg.Resolver
	if resolver == "" {
		resolver = "1.1.1.1:53"
	}
	return &Checker{
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		resolver: resolver,
	}
}

// Check 查询 MX、SPF、DKIM、DMARC 四条记录并与已生成的值对比
func (c *Checker) Check(ctx context.Context, d *domain.MailDomain) (*Report, error) {
	if d == nil {
		return nil, domain.ErrDomainNotFound
	}
	name := domain.NormalizeDomain(d.Domain)
	report := &Report{Domain: name, CheckedAt: time.Now().UTC()}

	_, mxHost, err := domain.ParseMX(d.MXRecord)
	if err != nil {
		return nil, err
	}
	mxStatus := RecordStatus{Type: "MX", Name: name, Expected: mxHost}
	if mxs, err := c.LookupMX(ctx, name); err != nil {
		mxStatus.Error = err.Error()
	} else {
		for _, mx := range mxs {
			mxStatus.Found = append(mxStatus.Found, fmt.Sprintf("%d %s", mx.Preference, mx.Host))
			if strings.EqualFold(mx.Host, mxHost) {
				mxStatus.Published = true
			}
		}
	}
	report.Records = append(report.Records, mxStatus)

	report.Records = append(report.Records,
		c.checkTXT(ctx, name, d.SPFRecord),
		c.checkTXT(ctx, d.DKIMSelector+"._domainkey."+name, d.DKIMRecordValue()),
		c.checkTXT(ctx, "_dmarc."+name, d.DMARCRecord),
	)

	report.AllPublished = true
	for _, r := range report.Records {
		if !r.Published {
			report.AllPublished = false
			break
		}
	}
	return report, nil
}

func (c *Checker) checkTXT(ctx context.Context, name, expected string) RecordStatus {
	status := RecordStatus{Type: "TXT", Name: name, Expected: expected}
	txts, err := c.LookupTXTContext(ctx, name)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Found = txts
	want := normalizeTXT(expected)
	for _, txt := range txts {
		if normalizeTXT(txt) == want {
			status.Published = true
			break
		}
	}
	return status
}

// LookupMX 查询 MX 记录，按优先级升序返回
func (c *Checker) LookupMX(ctx context.Context, name string) ([]MX, error) {
	answers, err := c.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var out []MX
	for _, rr := range answers {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MX{Host: strings.TrimSuffix(mx.Mx, "."), Preference: mx.Preference})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAnswer
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Preference < out[j].Preference })
	return out, nil
}

// LookupTXTContext 查询 TXT 记录，多段字符串拼接为一条
func (c *Checker) LookupTXTContext(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAnswer
	}
	return out, nil
}

// LookupTXT 供 DKIM 验签使用的查询函数
func (c *Checker) LookupTXT(name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()
	return c.LookupTXTContext(ctx, name)
}

func (c *Checker) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := c.client.ExchangeContext(ctx, msg, c.resolver)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, ErrNoAnswer
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}
	return resp.Answer, nil
}

// normalizeTXT 忽略分号周围的空白差异
func normalizeTXT(s string) string {
	parts := strings.Split(s, ";")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.TrimSuffix(strings.Join(parts, ";"), ";")
}
