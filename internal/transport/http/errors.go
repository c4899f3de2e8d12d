package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/registrar"
	"mailforge/backend/internal/service"
)

type errorMapping struct {
	err    error
	status int
	msg    string
}

// 业务错误到 HTTP 状态码和提示信息的映射，按顺序匹配
var errorMappings = []errorMapping{
	// 请求校验
	{domain.ErrInvalidDomain, http.StatusBadRequest, "域名格式无效"},
	{domain.ErrDomainTooLong, http.StatusBadRequest, "域名过长"},
	{domain.ErrInvalidEmail, http.StatusBadRequest, "邮件地址格式无效"},
	{domain.ErrEmailTooLong, http.StatusBadRequest, "邮件地址过长"},
	{domain.ErrLocalPartTooLong, http.StatusBadRequest, "邮件地址本地部分过长"},
	{domain.ErrInvalidLocalPart, http.StatusBadRequest, "邮件地址本地部分格式无效"},
	{domain.ErrPasswordTooShort, http.StatusBadRequest, "密码至少 8 个字符"},
	{domain.ErrPasswordTooLong, http.StatusBadRequest, "密码最多 128 个字符"},
	{domain.ErrUsernameTooShort, http.StatusBadRequest, "用户名至少 3 个字符"},
	{domain.ErrUsernameTooLong, http.StatusBadRequest, "用户名最多 32 个字符"},
	{domain.ErrInvalidUsername, http.StatusBadRequest, "用户名格式无效"},
	{domain.ErrInvalidMXRecord, http.StatusBadRequest, "MX 记录格式应为 \"priority host\""},
	{domain.ErrInvalidKeyProfile, http.StatusBadRequest, "不支持的密钥配置"},
	{domain.ErrNoRecipients, http.StatusBadRequest, "至少需要一个收件人"},
	{domain.ErrInvalidHeader, http.StatusBadRequest, "邮件头无效"},
	{auth.ErrInvalidOldPassword, http.StatusBadRequest, "旧密码不正确"},

	// 资源状态
	{domain.ErrDomainNotFound, http.StatusNotFound, "域名不存在"},
	{domain.ErrAddressNotFound, http.StatusNotFound, "邮件地址不存在"},
	{domain.ErrUserNotFound, http.StatusNotFound, "用户不存在"},
	{domain.ErrMessageNotFound, http.StatusNotFound, "邮件不存在"},
	{domain.ErrDomainExists, http.StatusConflict, "域名已存在"},
	{domain.ErrAddressExists, http.StatusConflict, "邮件地址已存在"},
	{domain.ErrUserExists, http.StatusConflict, "用户已存在"},
	{domain.ErrDomainInactive, http.StatusConflict, "域名已停用"},
	{domain.ErrAddressInactive, http.StatusConflict, "邮件地址已停用"},
	{domain.ErrSenderNotOwned, http.StatusForbidden, "发件地址不属于该用户"},

	// 外部依赖
	{domain.ErrRegistrarNotEnabled, http.StatusServiceUnavailable, "未配置注册商"},
	{service.ErrDNSCheckerUnavailable, http.StatusServiceUnavailable, "未配置 DNS 检查"},
	{domain.ErrCertificateMissing, http.StatusServiceUnavailable, "证书管理不可用"},
	{domain.ErrKeyGeneration, http.StatusInternalServerError, "密钥生成失败"},
	{domain.ErrDeliveryFailed, http.StatusBadGateway, "投递失败"},
}

// Fail 根据业务错误写入响应
//
// 注册商错误透传服务商返回的信息，未知错误统一返回 500。
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)

	var apiErr *registrar.APIError
	if errors.As(err, &apiErr) {
		Error(c, http.StatusBadGateway, apiErr.Error())
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			msg := m.msg
			if m.status == http.StatusBadGateway {
				msg = err.Error()
			}
			Error(c, m.status, msg)
			return
		}
	}

	InternalError(c, "服务器内部错误，请稍后重试")
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
)
