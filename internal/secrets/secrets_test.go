package secrets

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
)

func TestSecret(t *testing.T) {
	t.Run("读取明文并清零输入", func(t *testing.T) {
		input := []byte("hunter22")
		s := New(input)
		assert.Equal(t, make([]byte, 8), input)

		plain, err := s.Reveal()
		require.NoError(t, err)
		assert.Equal(t, "hunter22", plain)
	})

	t.Run("不会被格式化输出", func(t *testing.T) {
		s := FromString("top-secret")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), "top-secret")

		data, err := json.Marshal(struct{ Key *Secret }{s})
		require.NoError(t, err)
		assert.NotContains(t, string(data), "top-secret")
	})

	t.Run("空值", func(t *testing.T) {
		s := FromString("")
		assert.True(t, s.Empty())
		assert.ErrorIs(t, s.Use(func([]byte) error { return nil }), ErrEmpty)

		var nilSecret *Secret
		assert.True(t, nilSecret.Empty())
	})
}

type stubSource struct {
	domains map[string]*domain.MailDomain
	calls   int
}

func (s *stubSource) GetDomain(_ context.Context, name string) (*domain.MailDomain, error) {
	s.calls++
	d, ok := s.domains[name]
	if !ok {
		return nil, domain.ErrDomainNotFound
	}
	return d, nil
}

func TestKeyRing(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	source := &stubSource{domains: map[string]*domain.MailDomain{
		"example.com": {Domain: "example.com", DKIMSelector: "mf1", DKIMPrivateKey: string(priv), IsActive: true},
		"nokey.com":   {Domain: "nokey.com", IsActive: true},
		"retired.com": {Domain: "retired.com", DKIMSelector: "mf1", DKIMPrivateKey: string(priv), IsActive: false},
	}}
	ring := NewKeyRing(source, time.Minute)
	ctx := context.Background()

	t.Run("返回签名器并缓存凭据", func(t *testing.T) {
		signer, err := ring.Signer(ctx, "Example.com")
		require.NoError(t, err)
		assert.Equal(t, "example.com", signer.Domain())
		assert.Equal(t, "mf1", signer.Selector())

		_, err = ring.Signer(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, 1, source.calls)

		ring.Invalidate("example.com")
		_, err = ring.Signer(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, 2, source.calls)
	})

	t.Run("缺少凭据", func(t *testing.T) {
		for _, name := range []string{"nokey.com", "retired.com", "unknown.com"} {
			_, err := ring.Signer(ctx, name)
			assert.ErrorIs(t, err, domain.ErrSigning, name)
			assert.ErrorIs(t, err, ErrNoCredentials, name)
		}
	})

	t.Run("私钥损坏", func(t *testing.T) {
		source.domains["broken.com"] = &domain.MailDomain{
			Domain: "broken.com", DKIMSelector: "mf1", DKIMPrivateKey: "not a pem", IsActive: true,
		}
		_, err := ring.Signer(ctx, "broken.com")
		assert.ErrorIs(t, err, domain.ErrSigning)
		assert.NotErrorIs(t, err, ErrNoCredentials)
	})
}
