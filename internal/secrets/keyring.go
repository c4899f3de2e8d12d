package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailforge/backend/internal/cache"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
)

// ErrNoCredentials 域名没有可用的 DKIM 凭据，外发时按未签名处理
var ErrNoCredentials = fmt.Errorf("%w: no dkim credentials", domain.ErrSigning)

// DomainSource 查询域名 DKIM 材料
type DomainSource interface {
	GetDomain(ctx context.Context, name string) (*domain.MailDomain, error)
}

// Credentials 单个域名的 DKIM 凭据
type Credentials struct {
	Domain   string
	Selector string
	Key      *Secret
}

// KeyRing 按域名提供 DKIM 签名器
//
// 私钥以 Secret 形式缓存，每次签名时临时解密构造签名器。
type KeyRing struct {
	source DomainSource
	cache  *cache.LocalCache[*Credentials]
}

// NewKeyRing 创建密钥环
func NewKeyRing(source DomainSource, ttl time.Duration) *KeyRing {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &KeyRing{
		source: source,
		cache:  cache.NewLocalCache[*Credentials](1024, ttl, nil),
	}
}

// Credentials 返回域名的 DKIM 凭据
//
// 域名不存在、未激活或没有 DKIM 密钥时返回包装了 domain.ErrSigning 的错误。
func (k *KeyRing) Credentials(ctx context.Context, domainName string) (*Credentials, error) {
	domainName = strings.ToLower(domainName)
	if c, ok := k.cache.Get(domainName); ok {
		return c, nil
	}

	d, err := k.source.GetDomain(ctx, domainName)
	if errors.Is(err, domain.ErrDomainNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, domainName)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	if !d.CanSign() {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, domainName)
	}

	c := &Credentials{
		Domain:   d.Domain,
		Selector: d.DKIMSelector,
		Key:      FromString(d.DKIMPrivateKey),
	}
	k.cache.Set(domainName, c, 0)
	return c, nil
}

// Signer 返回域名的签名器
func (k *KeyRing) Signer(ctx context.Context, domainName string, extraHeaders ...string) (*dkim.Signer, error) {
	c, err := k.Credentials(ctx, domainName)
	if err != nil {
		return nil, err
	}

	var signer *dkim.Signer
	err = c.Key.Use(func(pem []byte) error {
		var err error
		signer, err = dkim.NewSigner(c.Domain, c.Selector, pem, extraHeaders...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	return signer, nil
}

// Invalidate 域名密钥变化（停用、重新生成）后丢弃缓存
func (k *KeyRing) Invalidate(domainName string) {
	k.cache.Delete(strings.ToLower(domainName))
}

// Run 定期清理过期缓存
func (k *KeyRing) Run(ctx context.Context, interval time.Duration) {
	k.cache.Run(ctx, interval)
}
