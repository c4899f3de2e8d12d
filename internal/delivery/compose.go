// Package delivery 负责外发邮件的组装与投递。
package delivery

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
)

// Envelope 外发邮件的输入
type Envelope struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string // 额外的头，不能覆盖标准头
	Date     time.Time
}

// Message 组装完成、可签名与投递的邮件
type Message struct {
	MessageID  string
	From       string
	Recipients []string // To+Cc+Bcc 去重
	Headers    []dkim.Header
	Body       string // 已规范化，等于其 simple 规范化结果
	Signature  string // DKIM-Signature 头，未签名时为空
}

// reservedHeaders 由 Compose 生成的头，调用方不能覆盖
var reservedHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true, "subject": true, "date": true,
	"message-id": true, "mime-version": true, "content-type": true, "content-transfer-encoding": true,
	"dkim-signature": true,
}

// Compose 组装邮件头和正文
//
// 正文使用 quoted-printable 编码，同时有文本和 HTML 时生成 multipart/alternative。
// Bcc 只进入投递收件人列表，不写入头部。
func Compose(env Envelope) (*Message, error) {
	from, err := domain.NormalizeAddress(env.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", env.From, err)
	}

	to, err := normalizeList(env.To)
	if err != nil {
		return nil, err
	}
	cc, err := normalizeList(env.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := normalizeList(env.Bcc)
	if err != nil {
		return nil, err
	}
	recipients := dedupe(to, cc, bcc)
	if len(recipients) == 0 {
		return nil, domain.ErrNoRecipients
	}

	date := env.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain.DomainOf(from))

	contentType, transferEncoding, body, err := encodeBody(env.TextBody, env.HTMLBody)
	if err != nil {
		return nil, err
	}

	b := headerBuilder{}
	b.add("From", from)
	if len(to) > 0 {
		b.addFolded("To", strings.Join(to, ", "))
	}
	if len(cc) > 0 {
		b.addFolded("Cc", strings.Join(cc, ", "))
	}
	b.addFolded("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	b.add("Date", date.Format(time.RFC1123Z))
	b.add("Message-ID", messageID)
	b.add("MIME-Version", "1.0")
	b.add("Content-Type", contentType)
	if transferEncoding != "" {
		b.add("Content-Transfer-Encoding", transferEncoding)
	}

	names := make([]string, 0, len(env.Headers))
	for name := range env.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if reservedHeaders[strings.ToLower(name)] {
			continue
		}
		if !validHeaderName(name) {
			return nil, fmt.Errorf("%w: header name %q", domain.ErrInvalidHeader, name)
		}
		value := env.Headers[name]
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("%w: header %s contains a line break", domain.ErrInvalidHeader, name)
		}
		b.addFolded(name, value)
	}
	if b.err != nil {
		return nil, b.err
	}
	headers := b.headers

	return &Message{
		MessageID:  messageID,
		From:       from,
		Recipients: recipients,
		Headers:    headers,
		Body:       dkim.NormalizeBody(body),
	}, nil
}

const (
	foldWidth     = 78  // 建议行宽
	maxLineOctets = 998 // 单行上限，不含 CRLF
)

type headerBuilder struct {
	headers []dkim.Header
	err     error
}

func (b *headerBuilder) add(name, value string) {
	b.headers = append(b.headers, dkim.Header{Name: name, Value: value})
}

// addFolded 在空白处折行，使每行不超过 78 字符
//
// 无法折到 998 字节以内时记录错误。
func (b *headerBuilder) addFolded(name, value string) {
	if b.err != nil {
		return
	}
	folded, err := foldHeader(name, value)
	if err != nil {
		b.err = err
		return
	}
	b.add(name, folded)
}

func foldHeader(name, value string) (string, error) {
	var out strings.Builder
	lineLen := len(name) + 2 // "Name: "
	for i, word := range strings.Fields(value) {
		sep := 0
		if i > 0 {
			sep = 1
		}
		switch {
		case lineLen > 1 && lineLen+sep+len(word) > foldWidth:
			// 首个词放不下时也从续行开始
			out.WriteString("\r\n ")
			lineLen = 1
		case sep == 1:
			out.WriteByte(' ')
			lineLen++
		}
		out.WriteString(word)
		lineLen += len(word)
		if lineLen > maxLineOctets {
			return "", fmt.Errorf("%w: %s line exceeds %d octets", domain.ErrInvalidHeader, name, maxLineOctets)
		}
	}
	return out.String(), nil
}

// validHeaderName RFC 5322 字段名：可打印 ASCII，不含冒号和空格
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// Sign 使用签名器签名并记录 DKIM-Signature 头
func (m *Message) Sign(signer *dkim.Signer) error {
	sig, err := signer.Sign(&dkim.Message{Headers: m.Headers, Body: m.Body})
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Signed 是否已签名
func (m *Message) Signed() bool {
	return m.Signature != ""
}

// HeaderMap 返回头的映射，用于持久化
func (m *Message) HeaderMap() map[string]string {
	out := make(map[string]string, len(m.Headers)+1)
	for _, h := range m.Headers {
		out[h.Name] = strings.TrimSpace(strings.ReplaceAll(h.Value, "\r\n", ""))
	}
	if m.Signature != "" {
		value := strings.TrimPrefix(m.Signature, dkim.HeaderName+":")
		out[dkim.HeaderName] = strings.TrimSpace(strings.ReplaceAll(value, "\r\n", ""))
	}
	return out
}

// Bytes 返回 RFC 5322 格式的完整邮件，签名头在最前
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	if m.Signature != "" {
		buf.WriteString(m.Signature)
		buf.WriteString("\r\n")
	}
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(m.Body)
	return buf.Bytes()
}

func encodeBody(text, html string) (contentType, transferEncoding, body string, err error) {
	switch {
	case text != "" && html != "":
		boundary := "mf-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		var buf bytes.Buffer
		for _, part := range []struct{ mediaType, content string }{
			{"text/plain", text},
			{"text/html", html},
		} {
			encoded, err := encodeQP(part.content)
			if err != nil {
				return "", "", "", err
			}
			fmt.Fprintf(&buf, "--%s\r\n", boundary)
			fmt.Fprintf(&buf, "Content-Type: %s; charset=utf-8\r\n", part.mediaType)
			buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
			buf.WriteString(encoded)
			buf.WriteString("\r\n")
		}
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
		return fmt.Sprintf("multipart/alternative; boundary=%q", boundary), "", buf.String(), nil

	case html != "":
		encoded, err := encodeQP(html)
		return "text/html; charset=utf-8", "quoted-printable", encoded, err

	default:
		encoded, err := encodeQP(text)
		return "text/plain; charset=utf-8", "quoted-printable", encoded, err
	}
}

func encodeQP(s string) (string, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write([]byte(strings.ReplaceAll(s, "\r\n", "\n"))); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func normalizeList(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, raw := range list {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		addr, err := domain.NormalizeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, addr := range list {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}
