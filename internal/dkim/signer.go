// Package dkim 基于 go-msgauth 实现 DKIM 签名（relaxed/simple）和入站验签。
package dkim

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"slices"
	"strings"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"mailforge/backend/internal/domain"
)

// HeaderName 签名头名称
const HeaderName = "DKIM-Signature"

// DefaultSignedHeaders 默认参与签名的头，按此顺序出现在 h= 中
var DefaultSignedHeaders = []string{"from", "to", "subject", "date", "message-id"}

// Header 邮件头
type Header struct {
	Name  string
	Value string
}

// Message 待签名的邮件：有序头列表和已规范化的正文
type Message struct {
	Headers []Header
	Body    string
}

// String 按传输格式渲染头和正文
func (m *Message) String() string {
	var b strings.Builder
	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(strings.TrimLeft(h.Value, " \t"))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}

// Get 返回最后一次出现的同名头
func (m *Message) Get(name string) (Header, bool) {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if strings.EqualFold(m.Headers[i].Name, name) {
			return m.Headers[i], true
		}
	}
	return Header{}, false
}

// Signer 单个域名的 DKIM 签名器，可并发使用
type Signer struct {
	domain   string
	selector string
	key      *rsa.PrivateKey
	headers  []string
}

// NewSigner 创建签名器
//
// 参数:
//   - domainName: d= 域名
//   - selector: s= 选择器
//   - privateKeyPEM: PKCS#1 或 PKCS#8 PEM 私钥
//   - extraHeaders: 额外需要签名的头
//
// 返回值:
//   - 私钥缺失或格式错误时返回包装了 domain.ErrSigning 的错误
func NewSigner(domainName, selector string, privateKeyPEM []byte, extraHeaders ...string) (*Signer, error) {
	if domainName == "" || selector == "" || len(privateKeyPEM) == 0 {
		return nil, fmt.Errorf("%w: missing dkim credentials", domain.ErrSigning)
	}

	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	headers := append([]string{}, DefaultSignedHeaders...)
	for _, h := range extraHeaders {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && !slices.Contains(headers, h) {
			headers = append(headers, h)
		}
	}

	return &Signer{
		domain:   domainName,
		selector: selector,
		key:      key,
		headers:  headers,
	}, nil
}

// ParsePrivateKey 解析 RSA 私钥 PEM
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", domain.ErrSigning)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", domain.ErrSigning)
	}
	return key, nil
}

// Sign 计算签名并返回完整的 DKIM-Signature 头（可能折行，不含结尾 CRLF）
//
// h= 只列出消息中实际存在的头；同名头取最后一次出现。传输的字节不受影响。
func (s *Signer) Sign(msg *Message) (string, error) {
	var keys []string
	for _, name := range s.headers {
		if _, ok := msg.Get(name); ok {
			keys = append(keys, name)
		}
	}
	if !slices.Contains(keys, "from") {
		return "", fmt.Errorf("%w: message has no From header", domain.ErrSigning)
	}

	signer, err := msgdkim.NewSigner(&msgdkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: msgdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgdkim.CanonicalizationSimple,
		HeaderKeys:             keys,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}

	if _, err := io.WriteString(signer, msg.String()); err != nil {
		_ = signer.Close()
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	if err := signer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	return strings.TrimSuffix(signer.Signature(), "\r\n"), nil
}

// Domain 返回签名域名
func (s *Signer) Domain() string { return s.domain }

// Selector 返回选择器
func (s *Signer) Selector() string { return s.selector }
