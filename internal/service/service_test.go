package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/certs"
	"mailforge/backend/internal/delivery"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/pool"
	"mailforge/backend/internal/records"
	"mailforge/backend/internal/registrar"
	"mailforge/backend/internal/secrets"
	"mailforge/backend/internal/storage/memory"
)

// ========== Mocks ==========

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Deliver(_ context.Context, from string, recipients []string, data []byte) error {
	args := m.Called(from, recipients, data)
	return args.Error(0)
}

func (m *mockTransport) Name() string { return "mock" }

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) ListDomains(ctx context.Context) ([]registrar.Domain, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]registrar.Domain), args.Error(1)
}

func (m *mockRegistrar) ValidateCredentials(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRegistrar) ConfigureMailDNS(ctx context.Context, domainName string, bundle *domain.RecordBundle) error {
	return m.Called(ctx, domainName, bundle).Error(0)
}

type mockCerts struct {
	mock.Mock
}

func (m *mockCerts) GenerateSelfSigned(_ context.Context, domainName string) (*certs.CertificateInfo, error) {
	args := m.Called(domainName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*certs.CertificateInfo), args.Error(1)
}

func (m *mockCerts) Remove(domainName string) {
	m.Called(domainName)
}

func (m *mockCerts) CheckExpiring(days int) []certs.ExpiringCertificate {
	return m.Called(days).Get(0).([]certs.ExpiringCertificate)
}

type failingSynthesizer struct{}

func (failingSynthesizer) Synthesize(string, records.Profile) (*domain.RecordBundle, error) {
	return nil, fmt.Errorf("%w: entropy source exhausted", domain.ErrKeyGeneration)
}

// ========== Fixture ==========

type fixture struct {
	store     *memory.Store
	recorder  *Recorder
	domains   *DomainService
	addresses *AddressService
	outbound  *OutboundService
	transport *mockTransport
	keys      *secrets.KeyRing
}

func newFixture(t *testing.T, deps DomainDeps) *fixture {
	t.Helper()
	store := memory.NewStore()
	logger := zap.NewNop()

	recorder := NewRecorder(store, nil, logger)
	keys := secrets.NewKeyRing(store, time.Minute)

	deps.Store = store
	deps.Recorder = recorder
	deps.Keys = keys
	deps.Logger = logger
	if deps.Synthesizer == nil {
		deps.Synthesizer = records.NewGenerator(records.Options{})
	}

	addresses := NewAddressService(store, logger)
	transport := &mockTransport{}

	return &fixture{
		store:     store,
		recorder:  recorder,
		domains:   NewDomainService(deps),
		addresses: addresses,
		outbound:  NewOutboundService(addresses, keys, transport, recorder, nil, logger),
		transport: transport,
		keys:      keys,
	}
}

func (f *fixture) logs(t *testing.T, filter domain.LogFilter) []*domain.MailLog {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), filter)
	require.NoError(t, err)
	return logs
}

// ========== DomainService ==========

func TestDomainService_Provision(t *testing.T) {
	ctx := context.Background()

	t.Run("生成四条记录并可重新读取", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})

		result, err := f.domains.Provision(ctx, ProvisionInput{Domain: "Example.com"})
		require.NoError(t, err)

		d := result.Domain
		assert.Equal(t, "example.com", d.Domain)
		assert.Equal(t, "10 mail.example.com", d.MXRecord)
		assert.True(t, strings.HasPrefix(d.SPFRecord, "v=spf1"))
		assert.True(t, strings.HasPrefix(d.DMARCRecord, "v=DMARC1"))
		assert.True(t, strings.HasPrefix(d.DKIMSelector, "mf"))
		assert.NotEmpty(t, d.DKIMPublicKey)
		assert.Contains(t, d.DKIMPrivateKey, "PRIVATE KEY")
		assert.True(t, d.IsActive)
		assert.True(t, d.AutoRenew)
		assert.Len(t, result.DNSRecords, 4)

		reread, err := f.domains.Get(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, d.MXRecord, reread.MXRecord)
		assert.Equal(t, d.SPFRecord, reread.SPFRecord)
		assert.Equal(t, d.DKIMSelector, reread.DKIMSelector)
		assert.Equal(t, d.DKIMPublicKey, reread.DKIMPublicKey)
		assert.Equal(t, d.DKIMPrivateKey, reread.DKIMPrivateKey)
		assert.Equal(t, d.DMARCRecord, reread.DMARCRecord)
	})

	t.Run("重复开通失败且不覆盖密钥", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})

		first, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)

		_, err = f.domains.Provision(ctx, ProvisionInput{Domain: "EXAMPLE.com"})
		assert.ErrorIs(t, err, domain.ErrDomainExists)

		stored, err := f.domains.Get(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, first.Domain.DKIMSelector, stored.DKIMSelector)
		assert.Equal(t, first.Domain.DKIMPrivateKey, stored.DKIMPrivateKey)
		assert.Equal(t, first.Domain.DKIMPublicKey, stored.DKIMPublicKey)
	})

	t.Run("密钥生成失败不写入记录", func(t *testing.T) {
		f := newFixture(t, DomainDeps{Synthesizer: failingSynthesizer{}})

		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		assert.ErrorIs(t, err, domain.ErrKeyGeneration)

		_, err = f.domains.Get(ctx, "example.com")
		assert.ErrorIs(t, err, domain.ErrDomainNotFound)
	})

	t.Run("非法域名", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "localhost"})
		assert.Error(t, err)
	})

	t.Run("注册商失败时回退到手工配置", func(t *testing.T) {
		reg := &mockRegistrar{}
		reg.On("ConfigureMailDNS", mock.Anything, "example.com", mock.Anything).
			Return(&registrar.APIError{StatusCode: 422, Code: "INVALID_BODY", Message: "record rejected"})
		f := newFixture(t, DomainDeps{Registrar: reg})

		result, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com", ConfigureRegistrar: true})
		require.NoError(t, err)
		assert.False(t, result.RegistrarConfigured)
		assert.Contains(t, result.RegistrarError, "record rejected")
		assert.Len(t, result.DNSRecords, 4)
		assert.Nil(t, result.Domain.DNSConfiguredAt)

		errLogs := f.logs(t, domain.LogFilter{Type: domain.LogTypeError})
		require.Len(t, errLogs, 1)
		assert.Equal(t, "configure_dns", errLogs[0].Metadata["operation"])
		reg.AssertExpectations(t)
	})

	t.Run("注册商成功时记录配置时间", func(t *testing.T) {
		reg := &mockRegistrar{}
		reg.On("ConfigureMailDNS", mock.Anything, "example.com", mock.MatchedBy(func(b *domain.RecordBundle) bool {
			return b.MX == "10 mail.example.com" && b.DKIMSelector != ""
		})).Return(nil)
		f := newFixture(t, DomainDeps{Registrar: reg})

		result, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com", ConfigureRegistrar: true})
		require.NoError(t, err)
		assert.True(t, result.RegistrarConfigured)
		assert.NotNil(t, result.Domain.DNSConfiguredAt)
	})

	t.Run("证书生成失败不影响开通", func(t *testing.T) {
		cm := &mockCerts{}
		cm.On("GenerateSelfSigned", "example.com").Return(nil, errors.New("disk full"))
		f := newFixture(t, DomainDeps{Certs: cm})

		result, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com", GenerateCertificate: true})
		require.NoError(t, err)
		assert.Equal(t, "disk full", result.CertificateError)
		assert.True(t, result.Domain.IsActive)
	})
}

func TestDomainService_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("停用时移除证书", func(t *testing.T) {
		cm := &mockCerts{}
		cm.On("Remove", "example.com").Once()
		f := newFixture(t, DomainDeps{Certs: cm})

		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)

		d, err := f.domains.Deactivate(ctx, "example.com")
		require.NoError(t, err)
		assert.False(t, d.IsActive)

		// 再次停用不重复移除
		_, err = f.domains.Deactivate(ctx, "example.com")
		require.NoError(t, err)
		cm.AssertExpectations(t)

		_, err = f.keys.Signer(ctx, "example.com")
		assert.ErrorIs(t, err, secrets.ErrNoCredentials)

		_, err = f.domains.GenerateCertificate(ctx, "example.com")
		assert.ErrorIs(t, err, domain.ErrDomainInactive)
	})

	t.Run("手工更新记录", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)

		mx := "20 mx.provider.net"
		d, err := f.domains.UpdateRecords(ctx, "example.com", UpdateRecordsInput{MX: &mx})
		require.NoError(t, err)
		assert.Equal(t, mx, d.MXRecord)

		bad := "mx.provider.net extra tokens"
		_, err = f.domains.UpdateRecords(ctx, "example.com", UpdateRecordsInput{MX: &bad})
		assert.ErrorIs(t, err, domain.ErrInvalidMXRecord)

		spf := "include:elsewhere"
		_, err = f.domains.UpdateRecords(ctx, "example.com", UpdateRecordsInput{SPF: &spf})
		assert.Error(t, err)

		recs, err := f.domains.DNSRecords(ctx, "example.com")
		require.NoError(t, err)
		assert.Equal(t, "mx.provider.net", recs[0].Value)
		assert.Equal(t, uint(20), recs[0].Priority)
	})

	t.Run("注册商推送期间的停用和证书更新不被覆盖", func(t *testing.T) {
		reg := &mockRegistrar{}
		cm := &mockCerts{}
		cm.On("Remove", "example.com").Once()
		f := newFixture(t, DomainDeps{Registrar: reg, Certs: cm})

		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)

		reg.On("ConfigureMailDNS", mock.Anything, "example.com", mock.Anything).
			Run(func(mock.Arguments) {
				require.NoError(t, f.store.UpdateDomainTLS(ctx, "example.com", "/k.pem", "/c.pem"))
				_, err := f.domains.Deactivate(ctx, "example.com")
				require.NoError(t, err)
			}).
			Return(nil).Once()

		d, err := f.domains.ConfigureRegistrar(ctx, "example.com")
		require.NoError(t, err)
		require.NotNil(t, d.DNSConfiguredAt)

		stored, err := f.store.GetDomain(ctx, "example.com")
		require.NoError(t, err)
		assert.False(t, stored.IsActive)
		assert.Equal(t, "/k.pem", stored.TLSKeyPath)
		assert.NotNil(t, stored.DNSConfiguredAt)
		reg.AssertExpectations(t)
		cm.AssertExpectations(t)
	})

	t.Run("手工更新记录只修改指定字段", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)
		_, err = f.domains.Deactivate(ctx, "example.com")
		require.NoError(t, err)

		dmarc := "v=DMARC1; p=reject"
		d, err := f.domains.UpdateRecords(ctx, "Example.com", UpdateRecordsInput{DMARC: &dmarc})
		require.NoError(t, err)
		assert.Equal(t, dmarc, d.DMARCRecord)
		assert.False(t, d.IsActive)

		_, err = f.domains.UpdateRecords(ctx, "missing.com", UpdateRecordsInput{DMARC: &dmarc})
		assert.ErrorIs(t, err, domain.ErrDomainNotFound)
	})

	t.Run("未配置注册商", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.domains.RegistrarDomains(ctx)
		assert.ErrorIs(t, err, domain.ErrRegistrarNotEnabled)
		_, err = f.domains.CheckDNS(ctx, "example.com")
		assert.ErrorIs(t, err, ErrDNSCheckerUnavailable)
	})

	t.Run("只续期开启自动续期的激活域名", func(t *testing.T) {
		cm := &mockCerts{}
		f := newFixture(t, DomainDeps{Certs: cm, WarningDays: 30})

		for _, d := range []*domain.MailDomain{
			{Domain: "renew.test", IsActive: true, AutoRenew: true},
			{Domain: "manual.test", IsActive: true, AutoRenew: false},
			{Domain: "retired.test", IsActive: false, AutoRenew: true},
		} {
			require.NoError(t, f.store.CreateDomain(ctx, d))
		}

		soon := time.Now().Add(48 * time.Hour)
		cm.On("CheckExpiring", 30).Return([]certs.ExpiringCertificate{
			{Domain: "renew.test", ExpiresAt: soon, DaysLeft: 2},
			{Domain: "manual.test", ExpiresAt: soon, DaysLeft: 2},
			{Domain: "retired.test", ExpiresAt: soon, DaysLeft: 2},
		})
		cm.On("GenerateSelfSigned", "renew.test").Return(&certs.CertificateInfo{Domain: "renew.test"}, nil).Once()

		renewed, err := f.domains.RenewCertificates(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"renew.test"}, renewed)
		cm.AssertExpectations(t)
	})
}

// ========== AddressService ==========

func TestAddressService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DomainDeps{})

	_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(ctx, &domain.User{ID: "u1", Username: "alice", IsActive: true}))

	t.Run("创建地址", func(t *testing.T) {
		a, err := f.addresses.Create(ctx, CreateAddressInput{Address: "Alice@Example.com", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", a.Address)
		assert.Equal(t, "alice", a.LocalPart)
		assert.Equal(t, "example.com", a.Domain)

		_, err = f.addresses.Create(ctx, CreateAddressInput{Address: "alice@example.com", UserID: "u1"})
		assert.ErrorIs(t, err, domain.ErrAddressExists)
	})

	t.Run("域名未托管", func(t *testing.T) {
		_, err := f.addresses.Create(ctx, CreateAddressInput{Address: "bob@unknown.org", UserID: "u1"})
		assert.ErrorIs(t, err, domain.ErrDomainNotFound)
	})

	t.Run("用户不存在", func(t *testing.T) {
		_, err := f.addresses.Create(ctx, CreateAddressInput{Address: "bob@example.com", UserID: "nobody"})
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("停用地址不再解析", func(t *testing.T) {
		_, err := f.addresses.SetActive(ctx, "alice@example.com", false)
		require.NoError(t, err)
		defer func() { _, _ = f.addresses.SetActive(ctx, "alice@example.com", true) }()

		_, err = f.addresses.ResolveRecipient(ctx, "alice@example.com")
		assert.ErrorIs(t, err, domain.ErrAddressInactive)
	})

	t.Run("托管域名判断", func(t *testing.T) {
		ok, err := f.addresses.IsManagedDomain(ctx, "EXAMPLE.COM")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.addresses.IsManagedDomain(ctx, "unknown.org")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("发件人归属", func(t *testing.T) {
		assert.NoError(t, f.addresses.CheckSender(ctx, "u1", "alice@example.com"))
		assert.ErrorIs(t, f.addresses.CheckSender(ctx, "u2", "alice@example.com"), domain.ErrSenderNotOwned)
		assert.ErrorIs(t, f.addresses.CheckSender(ctx, "u1", "ghost@example.com"), domain.ErrSenderNotOwned)
	})
}

// ========== OutboundService ==========

func TestOutboundService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("无DKIM密钥仍然发送成功", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		var sent []byte
		f.transport.On("Deliver", "alice@unsigned.org", []string{"bob@example.net"}, mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(2).([]byte) }).
			Return(nil).Once()

		result, err := f.outbound.Send(ctx, SendInput{
			From:     "alice@unsigned.org",
			To:       []string{"bob@example.net"},
			Subject:  "hello",
			TextBody: "plain body",
		})
		require.NoError(t, err)
		assert.False(t, result.DKIMSigned)
		assert.NotContains(t, string(sent), "DKIM-Signature")

		logs := f.logs(t, domain.LogFilter{})
		require.Len(t, logs, 1)
		assert.Equal(t, domain.LogStatusSuccess, logs[0].Status)
		assert.Equal(t, domain.LogTypeOutgoing, logs[0].Type)

		msg, err := f.store.GetMessage(ctx, result.MessageID)
		require.NoError(t, err)
		assert.Equal(t, domain.DirectionOutgoing, msg.Direction)
		assert.NotNil(t, msg.SentAt)
		assert.False(t, msg.DKIMSigned)
		assert.Equal(t, len("plain body"), msg.Size)
		f.transport.AssertExpectations(t)
	})

	t.Run("托管域名签名", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.domains.Provision(ctx, ProvisionInput{Domain: "example.com"})
		require.NoError(t, err)

		var sent []byte
		f.transport.On("Deliver", "alice@example.com", []string{"bob@example.net", "carol@example.net"}, mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(2).([]byte) }).
			Return(nil).Once()

		result, err := f.outbound.Send(ctx, SendInput{
			From:     "alice@example.com",
			To:       []string{"bob@example.net"},
			Bcc:      []string{"carol@example.net"},
			Subject:  "signed",
			HTMLBody: "<p>hi</p>",
		})
		require.NoError(t, err)
		assert.True(t, result.DKIMSigned)
		assert.Equal(t, 2, result.Recipients)
		assert.True(t, strings.HasPrefix(string(sent), "DKIM-Signature:"))
		assert.Contains(t, string(sent), "d=example.com")
		assert.NotContains(t, string(sent), "carol@example.net")
	})

	t.Run("私钥损坏时降级为不签名", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		require.NoError(t, f.store.CreateDomain(ctx, &domain.MailDomain{
			Domain: "broken.com", DKIMSelector: "mf1", DKIMPrivateKey: "garbage", IsActive: true,
		}))
		f.transport.On("Deliver", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

		result, err := f.outbound.Send(ctx, SendInput{From: "alice@broken.com", To: []string{"bob@example.net"}, TextBody: "x"})
		require.NoError(t, err)
		assert.False(t, result.DKIMSigned)

		errLogs := f.logs(t, domain.LogFilter{Type: domain.LogTypeError})
		require.Len(t, errLogs, 1)
		assert.Equal(t, "dkim", errLogs[0].Metadata["stage"])
		assert.Len(t, f.logs(t, domain.LogFilter{Type: domain.LogTypeOutgoing, Status: domain.LogStatusSuccess}), 1)
	})

	t.Run("投递失败只写失败日志", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		f.transport.On("Deliver", mock.Anything, mock.Anything, mock.Anything).
			Return(fmt.Errorf("%w: 550 5.1.1 mailbox unavailable", domain.ErrDeliveryFailed)).Once()

		_, err := f.outbound.Send(ctx, SendInput{From: "alice@example.com", To: []string{"bob@example.net"}, Subject: "lost", TextBody: "x"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
		assert.Contains(t, err.Error(), "mailbox unavailable")

		logs := f.logs(t, domain.LogFilter{})
		require.Len(t, logs, 1)
		assert.Equal(t, domain.LogStatusFailed, logs[0].Status)
		assert.Contains(t, logs[0].Error, "mailbox unavailable")

		msgs, err := f.store.ListMessages(ctx, domain.DirectionOutgoing, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("部分域名投递成功时保存邮件并记录失败收件人", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		f.transport.On("Deliver", mock.Anything, mock.Anything, mock.Anything).
			Return(&delivery.PartialDeliveryError{
				Delivered: []string{"bob@example.org"},
				Failed:    map[string]error{"carol@example.net": errors.New("550 5.1.1 mailbox unavailable")},
			}).Once()

		result, err := f.outbound.Send(ctx, SendInput{
			From:     "alice@example.com",
			To:       []string{"bob@example.org", "carol@example.net"},
			Subject:  "split",
			TextBody: "x",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Recipients)
		assert.Contains(t, result.FailedRecipients["carol@example.net"], "mailbox unavailable")

		_, err = f.store.GetMessage(ctx, result.MessageID)
		require.NoError(t, err)

		logs := f.logs(t, domain.LogFilter{})
		require.Len(t, logs, 1)
		assert.Equal(t, domain.LogStatusSuccess, logs[0].Status)
		assert.Equal(t, "true", logs[0].Metadata["partial"])
		assert.Equal(t, "bob@example.org", logs[0].Metadata["delivered"])
		assert.Equal(t, "carol@example.net", logs[0].Metadata["failedRecipients"])
	})

	t.Run("发件地址不属于用户", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})

		_, err := f.outbound.Send(ctx, SendInput{From: "alice@example.com", To: []string{"bob@example.net"}, UserID: "u1"})
		assert.ErrorIs(t, err, domain.ErrSenderNotOwned)
		assert.Len(t, f.logs(t, domain.LogFilter{Status: domain.LogStatusFailed}), 1)
		f.transport.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("没有收件人", func(t *testing.T) {
		f := newFixture(t, DomainDeps{})
		_, err := f.outbound.Send(ctx, SendInput{From: "alice@example.com"})
		assert.ErrorIs(t, err, domain.ErrNoRecipients)
	})
}

// ========== Recorder ==========

func TestRecorder(t *testing.T) {
	ctx := context.Background()

	t.Run("工作池后台写入且不丢日志", func(t *testing.T) {
		store := memory.NewStore()
		workers := pool.NewWorkerPool(2, 1, zap.NewNop())
		workers.Start()
		rec := NewRecorder(store, workers, zap.NewNop())

		for i := 0; i < 20; i++ {
			rec.Success(ctx, domain.LogTypeIncoming, "a@example.com", "b@example.com", fmt.Sprintf("msg %d", i), nil)
		}
		workers.Stop()

		logs, err := store.ListLogs(ctx, domain.LogFilter{})
		require.NoError(t, err)
		assert.Len(t, logs, 20)
		for _, l := range logs {
			assert.NotEmpty(t, l.ID)
		}
	})

	t.Run("工作池未启动时同步写入", func(t *testing.T) {
		store := memory.NewStore()
		rec := NewRecorder(store, pool.NewWorkerPool(1, 1, zap.NewNop()), zap.NewNop())

		rec.Failure(ctx, domain.LogTypeIncoming, domain.LogStatusBounced, "a@example.com", "b@example.com", "spam", domain.ErrSpamRejected, nil)

		logs, err := store.ListLogs(ctx, domain.LogFilter{})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.ErrSpamRejected.Error(), logs[0].Error)
	})
}
