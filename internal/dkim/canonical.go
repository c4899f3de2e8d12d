package dkim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"mailforge/backend/internal/domain"
)

var crlf = []byte("\r\n")

// CanonicalHeaderRelaxed 对单个 "Name: value" 头进行 relaxed 规范化（不含结尾 CRLF）
//
// 头名转小写，展开折行，连续空白压缩为单个空格，去掉值首尾空白。
func CanonicalHeaderRelaxed(line string) (string, error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", fmt.Errorf("%w: malformed header %q", domain.ErrSigning, line)
	}

	value = strings.ReplaceAll(value, "\r\n", "")
	var b strings.Builder
	var prevSpace bool
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == ' ' || c == '\t' {
			if prevSpace {
				continue
			}
			prevSpace = true
			c = ' '
		} else {
			prevSpace = false
		}
		b.WriteByte(c)
	}

	return strings.ToLower(strings.TrimRight(name, " \t")) + ":" + strings.Trim(b.String(), " \t"), nil
}

// CanonicalBodySimple 对正文进行 simple 规范化
//
// 结尾的空行全部移除后补上一个 CRLF，空正文规范化为单个 CRLF。
func CanonicalBodySimple(body []byte) []byte {
	var out bytes.Buffer
	br := bufio.NewReader(bytes.NewReader(body))
	pending := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		hasCRLF := bytes.HasSuffix(line, crlf)
		if hasCRLF {
			line = line[:len(line)-2]
		}
		if len(line) > 0 {
			for ; pending > 0; pending-- {
				out.Write(crlf)
			}
			out.Write(line)
		}
		if hasCRLF {
			pending++
		}
		if err != nil {
			break
		}
	}
	out.Write(crlf)
	return out.Bytes()
}

// NormalizeBody 规范化待发送的正文
//
// 统一为 CRLF 换行，去掉每行结尾空白，结尾空行压缩为一个 CRLF。
// 处理后的正文与其 simple 规范化结果逐字节一致，签名后传输不会改变正文哈希。
func NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
