package dkim

import (
	"bytes"
	"strings"

	msgdkim "github.com/emersion/go-msgauth/dkim"
)

// Result 入站签名验证结果
type Result struct {
	Domain string
	Valid  bool
	Reason string
}

// Verifier 入站 DKIM 验签
type Verifier struct {
	lookupTXT func(name string) ([]string, error)
}

// NewVerifier 创建验签器，lookupTXT 为空时使用系统 DNS
func NewVerifier(lookupTXT func(name string) ([]string, error)) *Verifier {
	return &Verifier{lookupTXT: lookupTXT}
}

// Verify 验证原始邮件中的全部 DKIM-Signature
//
// 无签名时返回空切片。仅用于记录，不作为拒信依据。
func (v *Verifier) Verify(raw []byte) ([]Result, error) {
	var opts *msgdkim.VerifyOptions
	if v.lookupTXT != nil {
		opts = &msgdkim.VerifyOptions{LookupTXT: v.lookupTXT}
	}

	verifications, err := msgdkim.VerifyWithOptions(bytes.NewReader(raw), opts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(verifications))
	for _, ver := range verifications {
		r := Result{Domain: ver.Domain, Valid: ver.Err == nil}
		if ver.Err != nil {
			r.Reason = ver.Err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// Summary 把验证结果压缩为日志元数据，例如 "pass:example.com fail:other.org"
func Summary(results []Result) string {
	if len(results) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		status := "fail"
		if r.Valid {
			status = "pass"
		}
		parts = append(parts, status+":"+r.Domain)
	}
	return strings.Join(parts, " ")
}
