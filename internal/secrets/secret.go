// Package secrets 把 DKIM 私钥、注册商密钥等敏感值保存在 memguard 加密内存中。
package secrets

import (
	"errors"

	"github.com/awnumar/memguard"
)

// ErrEmpty 敏感值为空
var ErrEmpty = errors.New("secret is empty")

// Secret 加密保存的敏感值
//
// 明文只在 Use 回调期间存在于锁定内存中，回调返回后立即销毁。
// String/GoString 永远返回占位符，避免误写入日志。
type Secret struct {
	enclave *memguard.Enclave
}

// New 从字节创建 Secret，传入的切片会被清零
func New(value []byte) *Secret {
	if len(value) == 0 {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave(value)}
}

// FromString 从字符串创建 Secret
func FromString(value string) *Secret {
	return New([]byte(value))
}

// Empty 是否为空
func (s *Secret) Empty() bool {
	return s == nil || s.enclave == nil
}

// Use 在回调中临时访问明文
//
// 回调不得保留 plain 的引用。
func (s *Secret) Use(fn func(plain []byte) error) error {
	if s.Empty() {
		return ErrEmpty
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Reveal 返回明文副本，仅用于必须传字符串的第三方接口（如 HTTP 头、SASL）
func (s *Secret) Reveal() (string, error) {
	var out string
	err := s.Use(func(plain []byte) error {
		out = string(plain)
		return nil
	})
	return out, err
}

func (s *Secret) String() string { return "[REDACTED]" }

func (s *Secret) GoString() string { return "secrets.Secret{[REDACTED]}" }

// MarshalJSON 不输出明文
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// Purge 进程退出前清除所有受保护内存
func Purge() {
	memguard.Purge()
}
