package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/certs"
	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/records"
	"mailforge/backend/internal/registrar"
	"mailforge/backend/internal/storage"
)

// ErrDNSCheckerUnavailable 未配置 DNS 检查
var ErrDNSCheckerUnavailable = errors.New("dns checker not configured")

// CertificateManager 域名服务使用的证书操作
type CertificateManager interface {
	GenerateSelfSigned(ctx context.Context, domainName string) (*certs.CertificateInfo, error)
	Remove(domainName string)
	CheckExpiring(days int) []certs.ExpiringCertificate
}

// Registrar 注册商 DNS 自动化
type Registrar interface {
	ListDomains(ctx context.Context) ([]registrar.Domain, error)
	ValidateCredentials(ctx context.Context) error
	ConfigureMailDNS(ctx context.Context, domainName string, bundle *domain.RecordBundle) error
}

// DNSChecker DNS 发布检查
type DNSChecker interface {
	Check(ctx context.Context, d *domain.MailDomain) (*dnscheck.Report, error)
}

// KeyInvalidator DKIM 密钥缓存
type KeyInvalidator interface {
	Invalidate(domainName string)
}

// DomainDeps 域名服务的依赖，Certs/Registrar/DNS/Keys/Metrics 可为 nil
type DomainDeps struct {
	Store       storage.Store
	Synthesizer records.Synthesizer
	Certs       CertificateManager
	Registrar   Registrar
	DNS         DNSChecker
	Keys        KeyInvalidator
	Recorder    *Recorder
	Metrics     *monitoring.Metrics
	Profile     records.Profile
	WarningDays int
	Logger      *zap.Logger
}

// DomainService 邮件域名的开通与维护
type DomainService struct {
	store     storage.Store
	synth     records.Synthesizer
	certs     CertificateManager
	registrar Registrar
	dns       DNSChecker
	keys      KeyInvalidator
	recorder  *Recorder
	metrics   *monitoring.Metrics
	profile   records.Profile
	warnDays  int
	logger    *zap.Logger
	now       func() time.Time
}

// NewDomainService 创建域名服务
func NewDomainService(deps DomainDeps) *DomainService {
	warnDays := deps.WarningDays
	if warnDays <= 0 {
		warnDays = 30
	}
	return &DomainService{
		store:     deps.Store,
		synth:     deps.Synthesizer,
		certs:     deps.Certs,
		registrar: deps.Registrar,
		dns:       deps.DNS,
		keys:      deps.Keys,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		profile:   deps.Profile,
		warnDays:  warnDays,
		logger:    deps.Logger.Named("domain"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProvisionInput 开通域名的输入
type ProvisionInput struct {
	Domain              string
	OwnerID             string
	Profile             records.Profile // 为空时使用配置的默认值
	GenerateCertificate bool
	ConfigureRegistrar  bool
	AutoRenew           *bool // 为空时默认开启
}

// ProvisionResult 开通结果
//
// 注册商推送失败不影响开通，RegistrarError 记录原因，DNSRecords 始终给出手工配置说明。
type ProvisionResult struct {
	Domain              *domain.MailDomain `json:"domain"`
	DNSRecords          []domain.DNSRecord `json:"dnsRecords"`
	CertificateError    string             `json:"certificateError,omitempty"`
	RegistrarConfigured bool               `json:"registrarConfigured"`
	RegistrarError      string             `json:"registrarError,omitempty"`
}

// Provision 开通新域名
//
// 域名已存在时返回 domain.ErrDomainExists，已有记录和密钥保持不变。
// 密钥生成失败时不写入任何记录。
func (s *DomainService) Provision(ctx context.Context, input ProvisionInput) (*ProvisionResult, error) {
	name := domain.NormalizeDomain(input.Domain)
	if err := domain.ValidateDomain(name); err != nil {
		return nil, err
	}

	if _, err := s.store.GetDomain(ctx, name); err == nil {
		return nil, domain.ErrDomainExists
	} else if !errors.Is(err, domain.ErrDomainNotFound) {
		return nil, fmt.Errorf("lookup domain: %w", err)
	}

	profile := input.Profile
	if profile == "" {
		profile = s.profile
	}
	bundle, err := s.synth.Synthesize(name, profile)
	if err != nil {
		return nil, err
	}

	autoRenew := true
	if input.AutoRenew != nil {
		autoRenew = *input.AutoRenew
	}
	now := s.now()
	md := &domain.MailDomain{
		Domain:         name,
		OwnerID:        input.OwnerID,
		MXRecord:       bundle.MX,
		SPFRecord:      bundle.SPF,
		DKIMSelector:   bundle.DKIMSelector,
		DKIMPublicKey:  bundle.DKIMPublicKey,
		DKIMPrivateKey: bundle.DKIMPrivateKey,
		DMARCRecord:    bundle.DMARC,
		IsActive:       true,
		AutoRenew:      autoRenew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDomain(ctx, md); err != nil {
		return nil, err
	}
	s.metrics.RecordDomainProvisioned()
	s.logger.Info("Domain provisioned",
		zap.String("domain", name),
		zap.String("selector", bundle.DKIMSelector),
	)

	result := &ProvisionResult{}

	if input.GenerateCertificate && s.certs != nil {
		if _, err := s.certs.GenerateSelfSigned(ctx, name); err != nil {
			s.logger.Warn("Certificate generation failed, default certificate will be used",
				zap.String("domain", name),
				zap.Error(err),
			)
			result.CertificateError = err.Error()
		}
	}

	if input.ConfigureRegistrar {
		if _, err := s.ConfigureRegistrar(ctx, name); err != nil {
			result.RegistrarError = err.Error()
		} else {
			result.RegistrarConfigured = true
		}
	}

	stored, err := s.store.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	result.Domain = stored
	result.DNSRecords = stored.DNSInstructions()
	return result, nil
}

// Get 获取域名
func (s *DomainService) Get(ctx context.Context, name string) (*domain.MailDomain, error) {
	return s.store.GetDomain(ctx, domain.NormalizeDomain(name))
}

// List 列出域名
func (s *DomainService) List(ctx context.Context, activeOnly bool) ([]*domain.MailDomain, error) {
	if activeOnly {
		return s.store.ListActiveDomains(ctx)
	}
	return s.store.ListDomains(ctx)
}

// Deactivate 停用域名，移除证书并丢弃缓存的签名密钥
func (s *DomainService) Deactivate(ctx context.Context, name string) (*domain.MailDomain, error) {
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return d, nil
	}

	inactive := false
	d, err = s.store.PatchDomain(ctx, d.Domain, domain.DomainPatch{IsActive: &inactive})
	if err != nil {
		return nil, err
	}
	if s.certs != nil {
		s.certs.Remove(d.Domain)
	}
	if s.keys != nil {
		s.keys.Invalidate(d.Domain)
	}

	s.logger.Info("Domain deactivated", zap.String("domain", d.Domain))
	return d, nil
}

// UpdateRecordsInput 手工调整 DNS 记录，空字段保持不变
type UpdateRecordsInput struct {
	MX        *string `json:"mx"`
	SPF       *string `json:"spf"`
	DMARC     *string `json:"dmarc"`
	AutoRenew *bool   `json:"autoRenew"`
}

// UpdateRecords 更新记录值，DKIM 密钥不在此修改
func (s *DomainService) UpdateRecords(ctx context.Context, name string, input UpdateRecordsInput) (*domain.MailDomain, error) {
	patch := domain.DomainPatch{AutoRenew: input.AutoRenew}
	if input.MX != nil {
		if _, _, err := domain.ParseMX(*input.MX); err != nil {
			return nil, err
		}
		mx := strings.TrimSpace(*input.MX)
		patch.MXRecord = &mx
	}
	if input.SPF != nil {
		if !strings.HasPrefix(*input.SPF, "v=spf1") {
			return nil, fmt.Errorf("spf record must start with v=spf1")
		}
		patch.SPFRecord = input.SPF
	}
	if input.DMARC != nil {
		if !strings.HasPrefix(*input.DMARC, "v=DMARC1") {
			return nil, fmt.Errorf("dmarc record must start with v=DMARC1")
		}
		patch.DMARCRecord = input.DMARC
	}

	return s.store.PatchDomain(ctx, domain.NormalizeDomain(name), patch)
}

// DNSRecords 返回手工配置说明
func (s *DomainService) DNSRecords(ctx context.Context, name string) ([]domain.DNSRecord, error) {
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.DNSInstructions(), nil
}

// ConfigureRegistrar 通过注册商 API 一次性推送四条记录
//
// 失败时写入一条错误日志，已有 DNS 不变，调用方应展示手工配置说明。
// 注册商调用期间不持有任何锁，成功后只更新配置时间一列。
func (s *DomainService) ConfigureRegistrar(ctx context.Context, name string) (*domain.MailDomain, error) {
	if s.registrar == nil {
		return nil, domain.ErrRegistrarNotEnabled
	}
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	err = s.registrar.ConfigureMailDNS(ctx, d.Domain, domain.BundleFromDomain(d))
	s.metrics.RecordRegistrarRequest("configure_dns", err)
	if err != nil {
		s.logger.Warn("Registrar DNS configuration failed",
			zap.String("domain", d.Domain),
			zap.Error(err),
		)
		if s.recorder != nil {
			s.recorder.Failure(ctx, domain.LogTypeError, domain.LogStatusFailed, "", "", "", err, map[string]string{
				"domain":    d.Domain,
				"operation": "configure_dns",
			})
		}
		return nil, err
	}

	// 推送期间域名可能被停用或更换证书，这里只写配置时间
	now := s.now()
	updated, err := s.store.PatchDomain(ctx, d.Domain, domain.DomainPatch{DNSConfiguredAt: &now})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Registrar DNS configured", zap.String("domain", d.Domain))
	return updated, nil
}

// RegistrarDomains 列出注册商账户下的域名
func (s *DomainService) RegistrarDomains(ctx context.Context) ([]registrar.Domain, error) {
	if s.registrar == nil {
		return nil, domain.ErrRegistrarNotEnabled
	}
	domains, err := s.registrar.ListDomains(ctx)
	s.metrics.RecordRegistrarRequest("list_domains", err)
	return domains, err
}

// ValidateRegistrar 检查注册商凭据
func (s *DomainService) ValidateRegistrar(ctx context.Context) error {
	if s.registrar == nil {
		return domain.ErrRegistrarNotEnabled
	}
	err := s.registrar.ValidateCredentials(ctx)
	s.metrics.RecordRegistrarRequest("validate", err)
	return err
}

// CheckDNS 检查记录是否已发布
func (s *DomainService) CheckDNS(ctx context.Context, name string) (*dnscheck.Report, error) {
	if s.dns == nil {
		return nil, ErrDNSCheckerUnavailable
	}
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.dns.Check(ctx, d)
}

// GenerateCertificate 为激活的域名生成自签名证书
func (s *DomainService) GenerateCertificate(ctx context.Context, name string) (*certs.CertificateInfo, error) {
	if s.certs == nil {
		return nil, domain.ErrCertificateMissing
	}
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, domain.ErrDomainInactive
	}
	return s.certs.GenerateSelfSigned(ctx, d.Domain)
}

// ExpiringCertificates 返回 days 天内过期的证书，days<=0 时使用告警窗口
func (s *DomainService) ExpiringCertificates(days int) []certs.ExpiringCertificate {
	if s.certs == nil {
		return nil
	}
	if days <= 0 {
		days = s.warnDays
	}
	return s.certs.CheckExpiring(days)
}

// RenewCertificates 为告警窗口内即将过期、开启自动续期的激活域名重新生成自签名证书
//
// 返回值:
//   - []string: 已续期的域名
//   - error: 各域名失败原因的合并
func (s *DomainService) RenewCertificates(ctx context.Context) ([]string, error) {
	var (
		renewed []string
		errs    []error
	)
	for _, exp := range s.ExpiringCertificates(s.warnDays) {
		d, err := s.store.GetDomain(ctx, exp.Domain)
		if err != nil {
			continue
		}
		if !d.IsActive || !d.AutoRenew {
			continue
		}
		if _, err := s.certs.GenerateSelfSigned(ctx, d.Domain); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Domain, err))
			continue
		}
		renewed = append(renewed, d.Domain)
	}

	if len(renewed) > 0 {
		s.logger.Info("Certificates renewed", zap.Strings("domains", renewed))
	}
	return renewed, errors.Join(errs...)
}
