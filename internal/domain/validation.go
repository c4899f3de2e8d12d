package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
	ErrPasswordTooShort = errors.New("password too short (min 8 chars)")
	ErrPasswordTooLong  = errors.New("password too long (max 128 chars)")
	ErrUsernameTooShort = errors.New("username too short (min 3 chars)")
	ErrUsernameTooLong  = errors.New("username too long (max 32 chars)")
	ErrInvalidUsername  = errors.New("invalid username format")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength = 64  // 本地部分最大长度(@前面)
	MaxDomainLength    = 253 // 域名最大长度
	MaxLabelLength     = 63

	// 密码长度限制
	MinPasswordLength = 8
	MaxPasswordLength = 128

	// 用户名长度限制
	MinUsernameLength = 3
	MaxUsernameLength = 32
)

// 正则表达式
var (
	localPartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*$`)

	// 单个域名标签：字母数字开头结尾，中间允许连字符
	labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

	// 用户名验证（必须以字母开头）
	usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*[a-zA-Z0-9]$|^[a-zA-Z]$`)
)

// NormalizeDomain 统一为小写并去掉首尾空白和末尾的点
func NormalizeDomain(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// ValidateDomain 验证域名
//
// 要求至少两个标签，每个标签不超过 63 字符，顶级标签不能是纯数字。
func ValidateDomain(name string) error {
	if name == "" {
		return ErrInvalidDomain
	}
	if len(name) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if name != strings.ToLower(name) {
		return ErrInvalidDomain
	}

	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return ErrInvalidDomain
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > MaxLabelLength || !labelRegex.MatchString(label) {
			return ErrInvalidDomain
		}
	}
	if strings.Trim(labels[len(labels)-1], "0123456789") == "" {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateLocalPart 验证邮箱本地部分
func ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") || strings.HasSuffix(localPart, ".") {
		return ErrInvalidLocalPart
	}
	return nil
}

// NormalizeAddress 解析并规范化邮件地址
//
// 支持 "Name <user@example.com>" 形式，返回小写的纯地址。
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidEmail
	}
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	addr = strings.ToLower(strings.Trim(addr, "<>"))
	if len(addr) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	if _, _, err := SplitAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}

// SplitAddress 拆分地址为本地部分和域名并分别校验
func SplitAddress(addr string) (localPart, domainName string, err error) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", ErrInvalidEmail
	}
	localPart, domainName = addr[:at], addr[at+1:]
	if err := ValidateLocalPart(localPart); err != nil {
		return "", "", err
	}
	if err := ValidateDomain(domainName); err != nil {
		return "", "", err
	}
	return localPart, domainName, nil
}

// DomainOf 返回地址的域名部分（不做校验）
func DomainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return strings.ToLower(strings.Trim(addr[at+1:], "> "))
	}
	return ""
}

// ValidatePassword 验证密码长度
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLength {
		return ErrPasswordTooLong
	}
	return nil
}

// ValidateUsername 验证用户名
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if len(username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}
