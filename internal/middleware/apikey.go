package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/secrets"
)

// APIKeyHeader 携带 API Key 的请求头
const APIKeyHeader = "X-API-Key"

// APIKeyAuth 管理接口的静态 API Key 认证
type APIKeyAuth struct {
	key *secrets.Secret
}

// NewAPIKeyAuth 创建 API Key 认证中间件，密钥保存在受保护内存中
func NewAPIKeyAuth(key string) *APIKeyAuth {
	return &APIKeyAuth{key: secrets.FromString(key)}
}

// RequireAPIKey 要求请求携带 X-API-Key
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(APIKeyHeader)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "missing API key",
			})
			return
		}

		if !m.valid(apiKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "invalid API key",
			})
			return
		}

		c.Next()
	}
}

func (m *APIKeyAuth) valid(candidate string) bool {
	matched := false
	_ = m.key.Use(func(plain []byte) error {
		matched = subtle.ConstantTimeCompare(plain, []byte(candidate)) == 1
		return nil
	})
	return matched
}
