package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"mailforge/backend/internal/domain"
)

// ParsedEmail 解析后的邮件内容
type ParsedEmail struct {
	MessageID   string
	Subject     string
	From        string
	To          []string
	Cc          []string
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []Attachment
}

// Attachment 附件摘要，正文不持久化
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// ParseEmail 解析邮件，提取文本、HTML 和附件信息
//
// 头部无法解析时返回包装了 domain.ErrParseFailure 的错误。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
	}

	parsed := &ParsedEmail{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeHeader(msg.Header.Get("From")),
		To:        addressList(msg.Header, "To"),
		Cc:        addressList(msg.Header, "Cc"),
		Headers:   make(map[string]string, len(msg.Header)),
	}
	for key, values := range msg.Header {
		if len(values) > 0 {
			parsed.Headers[key] = decodeHeader(values[0])
		}
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 时按纯文本处理
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
		}
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart message without boundary", domain.ErrParseFailure)
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || (dispType == "inline" && !strings.HasPrefix(mediaType, "text/")) {
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}
				size, _ := io.Copy(io.Discard, transferDecoder(part, part.Header.Get("Content-Transfer-Encoding")))
				parsed.Attachments = append(parsed.Attachments, Attachment{
					Filename:    decodeHeader(filename),
					ContentType: mediaType,
					Size:        int(size),
				})
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

func transferDecoder(r io.Reader, transferEncoding string) io.Reader {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// decodeBody 根据传输编码和字符集解码正文
func decodeBody(r io.Reader, transferEncoding, charset string) (string, error) {
	body, err := io.ReadAll(transferDecoder(r, transferEncoding))
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body), nil
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body), nil
	}
	return string(converted), nil
}

func addressList(h mail.Header, key string) []string {
	if h.Get(key) == "" {
		return []string{}
	}
	list, err := h.AddressList(key)
	if err != nil {
		return []string{decodeHeader(h.Get(key))}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
