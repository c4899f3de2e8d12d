// Package records 为新邮件域名合成 MX/SPF/DKIM/DMARC 记录。
package records

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"mailforge/backend/internal/domain"
)

// Profile DKIM 密钥规格
type Profile string

const (
	ProfileRSA2048 Profile = "rsa2048"
	ProfileRSA3072 Profile = "rsa3072"
	ProfileRSA4096 Profile = "rsa4096"
)

// MinRSABits DKIM 密钥最小长度
const MinRSABits = 2048

// Bits 返回规格对应的 RSA 位数，空值视为 rsa2048
func (p Profile) Bits() (int, error) {
	switch p {
	case "", ProfileRSA2048:
		return 2048, nil
	case ProfileRSA3072:
		return 3072, nil
	case ProfileRSA4096:
		return 4096, nil
	default:
		return 0, fmt.Errorf("%w: %s", domain.ErrInvalidKeyProfile, p)
	}
}

// Synthesizer 记录合成器
type Synthesizer interface {
	Synthesize(domainName string, profile Profile) (*domain.RecordBundle, error)
}

// Options 生成器参数
type Options struct {
	MailHost     string // 为空时使用 mail.<domain>
	DMARCPolicy  string // none / quarantine / reject
	DMARCReport  string // 为空时使用 dmarc@<domain>
	SelectorBase string
}

// Generator 默认记录合成器
type Generator struct {
	opts   Options
	random io.Reader
	now    func() time.Time
}

// NewGenerator 创建记录合成器
func NewGenerator(opts Options) *Generator {
	if opts.DMARCPolicy == "" {
		opts.DMARCPolicy = "quarantine"
	}
	if opts.SelectorBase == "" {
		opts.SelectorBase = "mf"
	}
	return &Generator{opts: opts, random: rand.Reader, now: time.Now}
}

// Synthesize 为域名生成一组新的记录和 DKIM 密钥对
//
// MX/SPF/DMARC 文本是确定的；每次调用都会生成全新的 RSA 密钥对和选择器。
// 失败时返回包装了 domain.ErrKeyGeneration 的错误，调用方不应持久化任何内容。
func (g *Generator) Synthesize(domainName string, profile Profile) (*domain.RecordBundle, error) {
	domainName = domain.NormalizeDomain(domainName)
	if err := domain.ValidateDomain(domainName); err != nil {
		return nil, err
	}

	bits, err := profile.Bits()
	if err != nil {
		return nil, err
	}
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits", domain.ErrInvalidKeyProfile, bits)
	}

	key, err := rsa.GenerateKey(g.random, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	priv := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	selector, err := g.selector()
	if err != nil {
		return nil, err
	}

	host := g.mailHost(domainName)
	return &domain.RecordBundle{
		MX:             MX(host),
		SPF:            SPF(host),
		DKIMSelector:   selector,
		DKIMPublicKey:  base64.StdEncoding.EncodeToString(pub),
		DKIMPrivateKey: string(priv),
		DMARC:          DMARC(g.opts.DMARCPolicy, g.reportAddress(domainName)),
	}, nil
}

func (g *Generator) mailHost(domainName string) string {
	if g.opts.MailHost != "" {
		return strings.TrimSuffix(strings.ToLower(g.opts.MailHost), ".")
	}
	return "mail." + domainName
}

func (g *Generator) reportAddress(domainName string) string {
	if g.opts.DMARCReport != "" {
		return g.opts.DMARCReport
	}
	return "dmarc@" + domainName
}

// selector 生成 <base><yyyymmdd><4 位十六进制> 形式的选择器
func (g *Generator) selector() (string, error) {
	suffix := make([]byte, 2)
	if _, err := io.ReadFull(g.random, suffix); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	return g.opts.SelectorBase + g.now().UTC().Format("20060102") + hex.EncodeToString(suffix), nil
}

// MX 构造 "priority host" 形式的 MX 值
func MX(host string) string {
	return "10 " + host
}

// SPF 构造 SPF 记录
func SPF(host string) string {
	return fmt.Sprintf("v=spf1 mx a:%s ~all", host)
}

// DMARC 构造 DMARC 策略记录
func DMARC(policy, report string) string {
	return fmt.Sprintf("v=DMARC1; p=%s; rua=mailto:%s; pct=100", policy, report)
}
