package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/certs"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/records"
	"mailforge/backend/internal/service"
)

// DomainHandler 邮件域名处理器
type DomainHandler struct {
	domains *service.DomainService
}

// NewDomainHandler 创建域名处理器
func NewDomainHandler(domains *service.DomainService) *DomainHandler {
	return &DomainHandler{domains: domains}
}

// ProvisionDomainRequest 开通域名请求
type ProvisionDomainRequest struct {
	Domain              string `json:"domain" binding:"required"`
	OwnerID             string `json:"ownerId"`
	Profile             string `json:"profile" binding:"omitempty,oneof=rsa2048 rsa3072 rsa4096"`
	GenerateCertificate bool   `json:"generateCertificate"`
	ConfigureRegistrar  bool   `json:"configureRegistrar"`
	AutoRenew           *bool  `json:"autoRenew"`
}

// Provision godoc
// @Summary 开通邮件域名
// @Description 生成 MX/SPF/DKIM/DMARC 记录并保存，可选生成证书和推送到注册商
// @Tags Domains
// @Accept json
// @Produce json
// @Param request body ProvisionDomainRequest true "域名信息"
// @Success 201 {object} service.ProvisionResult
// @Success 202 {object} service.ProvisionResult "注册商推送失败，需手工配置 DNS"
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /v1/domains [post]
func (h *DomainHandler) Provision(c *gin.Context) {
	var req ProvisionDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.domains.Provision(c.Request.Context(), service.ProvisionInput{
		Domain:              req.Domain,
		OwnerID:             req.OwnerID,
		Profile:             records.Profile(req.Profile),
		GenerateCertificate: req.GenerateCertificate,
		ConfigureRegistrar:  req.ConfigureRegistrar,
		AutoRenew:           req.AutoRenew,
	})
	if err != nil {
		Fail(c, err)
		return
	}

	if result.RegistrarError != "" {
		Accepted(c, "域名已开通，注册商配置失败，请按 dnsRecords 手工配置", result)
		return
	}
	Created(c, result)
}

// List godoc
// @Summary 域名列表
// @Tags Domains
// @Produce json
// @Param active query bool false "只返回激活的域名"
// @Success 200 {array} domain.MailDomain
// @Router /v1/domains [get]
func (h *DomainHandler) List(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))

	domains, err := h.domains.List(c.Request.Context(), activeOnly)
	if err != nil {
		Fail(c, err)
		return
	}
	if domains == nil {
		domains = []*domain.MailDomain{}
	}
	Success(c, domains)
}

// Get 域名详情
func (h *DomainHandler) Get(c *gin.Context) {
	d, err := h.domains.Get(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, d)
}

// Deactivate 停用域名
func (h *DomainHandler) Deactivate(c *gin.Context) {
	d, err := h.domains.Deactivate(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, d)
}

// UpdateRecords 手工修改 MX/SPF/DMARC 记录
func (h *DomainHandler) UpdateRecords(c *gin.Context) {
	var req service.UpdateRecordsInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	d, err := h.domains.UpdateRecords(c.Request.Context(), c.Param("domain"), req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, d)
}

// DNSRecords godoc
// @Summary DNS 配置说明
// @Description 返回需要在 DNS 服务商处添加的四条记录
// @Tags Domains
// @Produce json
// @Param domain path string true "域名"
// @Success 200 {array} domain.DNSRecord
// @Failure 404 {object} Response
// @Router /v1/domains/{domain}/dns [get]
func (h *DomainHandler) DNSRecords(c *gin.Context) {
	recs, err := h.domains.DNSRecords(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, recs)
}

// CheckDNS 查询记录发布状态
func (h *DomainHandler) CheckDNS(c *gin.Context) {
	report, err := h.domains.CheckDNS(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, report)
}

// ConfigureRegistrar 通过注册商 API 推送记录
//
// 失败时返回服务商的错误信息，DNS 保持原状。
func (h *DomainHandler) ConfigureRegistrar(c *gin.Context) {
	d, err := h.domains.ConfigureRegistrar(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, d)
}

type certificateResponse struct {
	Domain    string    `json:"domain"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GenerateCertificate 生成自签名证书
func (h *DomainHandler) GenerateCertificate(c *gin.Context) {
	info, err := h.domains.GenerateCertificate(c.Request.Context(), c.Param("domain"))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, certificateResponse{Domain: info.Domain, ExpiresAt: info.ExpiresAt})
}

// ExpiringCertificates 即将过期的证书
func (h *DomainHandler) ExpiringCertificates(c *gin.Context) {
	days, _ := strconv.Atoi(c.Query("days"))
	expiring := h.domains.ExpiringCertificates(days)
	if expiring == nil {
		expiring = []certs.ExpiringCertificate{}
	}
	Success(c, expiring)
}

// RegistrarDomains 注册商账户下的域名
func (h *DomainHandler) RegistrarDomains(c *gin.Context) {
	domains, err := h.domains.RegistrarDomains(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, domains)
}

// ValidateRegistrar 校验注册商凭据
func (h *DomainHandler) ValidateRegistrar(c *gin.Context) {
	if err := h.domains.ValidateRegistrar(c.Request.Context()); err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"valid": true})
}
