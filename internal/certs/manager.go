// Package certs 管理按域名加载的 TLS 证书，并在握手时通过 SNI 选择证书。
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
)

const (
	// SelfSignedValidity 自签名证书有效期
	SelfSignedValidity = 365 * 24 * time.Hour

	dirPerm  = 0o700
	keyPerm  = 0o600
	certPerm = 0o644
)

// DomainStore 证书管理器依赖的域名存储
type DomainStore interface {
	ListActiveDomains(ctx context.Context) ([]*domain.MailDomain, error)
	UpdateDomainTLS(ctx context.Context, name, keyPath, certPath string) error
}

// CertificateInfo 运行时证书信息
type CertificateInfo struct {
	Domain      string
	KeyPEM      []byte
	CertPEM     []byte
	Certificate *tls.Certificate
	Valid       bool
	ExpiresAt   time.Time
	KeyPath     string
	CertPath    string
}

// ExpiringCertificate 即将过期的证书
type ExpiringCertificate struct {
	Domain    string    `json:"domain"`
	ExpiresAt time.Time `json:"expiresAt"`
	DaysLeft  int       `json:"daysLeft"`
}

// Options 管理器配置
type Options struct {
	Dir             string // 生成证书的存放目录
	Hostname        string // 默认证书主机名
	DefaultCertPath string // 为空时生成自签名默认证书
	DefaultKeyPath  string
}

type certMap map[string]*CertificateInfo

// Manager 证书管理器
//
// 证书表为写时复制：读取方通过 atomic.Pointer 无锁读取，
// 写入方在 mu 保护下复制并替换整张表，磁盘 I/O 不在锁内进行。
type Manager struct {
	opts   Options
	store  DomainStore
	logger *zap.Logger

	mu    sync.Mutex
	certs atomic.Pointer[certMap]
	def   atomic.Pointer[tls.Certificate]

	now func() time.Time
}

// NewManager 创建证书管理器
//
// 参数:
//   - opts: 证书目录与默认证书配置
//   - store: 域名存储，用于 LoadAll 和持久化生成的证书路径
//   - logger: 日志
//
// 返回值:
//   - 证书目录无法创建或默认证书无法加载/生成时返回错误
func NewManager(opts Options, store DomainStore, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	m := &Manager{
		opts:   opts,
		store:  store,
		logger: logger.Named("certs"),
		now:    time.Now,
	}
	m.certs.Store(&certMap{})

	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}
	if err := os.Chmod(opts.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("restrict certificate directory: %w", err)
	}

	if err := m.loadDefault(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadDefault() error {
	if m.opts.DefaultCertPath != "" && m.opts.DefaultKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(m.opts.DefaultCertPath, m.opts.DefaultKeyPath)
		if err == nil {
			m.def.Store(&cert)
			return nil
		}
		m.logger.Warn("Default certificate unavailable, using self-signed",
			zap.String("cert", m.opts.DefaultCertPath),
			zap.Error(err))
	}

	keyPEM, certPEM, _, err := selfSigned(m.opts.Hostname, m.now())
	if err != nil {
		return fmt.Errorf("generate default certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse default certificate: %w", err)
	}
	m.def.Store(&cert)
	m.logger.Info("Generated self-signed default certificate", zap.String("hostname", m.opts.Hostname))
	return nil
}

// LoadAll 加载所有激活域名的证书
//
// 文件缺失的域名只记录警告，不影响其他域名。返回成功加载的数量。
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	next, err := m.collect(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	merged := m.snapshot()
	for name, info := range next {
		merged[name] = info
	}
	m.certs.Store(&merged)
	m.mu.Unlock()

	m.logger.Info("Certificates loaded", zap.Int("loaded", len(next)))
	return len(next), nil
}

// Reload 从存储重新构建整张证书表并整体替换
func (m *Manager) Reload(ctx context.Context) error {
	next, err := m.collect(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.certs.Store(&next)
	m.mu.Unlock()

	m.logger.Info("Certificates reloaded", zap.Int("loaded", len(next)))
	return nil
}

// collect 在锁外读取所有激活域名的证书文件
func (m *Manager) collect(ctx context.Context) (certMap, error) {
	domains, err := m.store.ListActiveDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}

	next := make(certMap, len(domains))
	for _, d := range domains {
		if !d.HasTLSMaterial() {
			m.logger.Warn("Domain has no TLS certificate, using default", zap.String("domain", d.Domain))
			continue
		}
		info, err := m.read(d.Domain, d.TLSKeyPath, d.TLSCertPath)
		if err != nil {
			m.logger.Warn("Certificate files unavailable, skipping",
				zap.String("domain", d.Domain),
				zap.Error(err))
			continue
		}
		next[info.Domain] = info
	}
	return next, nil
}

// Load 加载单个域名的证书
//
// 文件无法读取或解析时返回 false，不会返回错误。
func (m *Manager) Load(domainName, keyPath, certPath string) bool {
	info, err := m.read(domainName, keyPath, certPath)
	if err != nil {
		m.logger.Warn("Failed to load certificate",
			zap.String("domain", domainName),
			zap.Error(err))
		return false
	}
	m.put(info)
	return true
}

func (m *Manager) read(domainName, keyPath, certPath string) (*CertificateInfo, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	return m.parse(domainName, keyPEM, certPEM, keyPath, certPath)
}

func (m *Manager) parse(domainName string, keyPEM, certPEM []byte, keyPath, certPath string) (*CertificateInfo, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	cert.Leaf = leaf

	return &CertificateInfo{
		Domain:      strings.ToLower(domainName),
		KeyPEM:      keyPEM,
		CertPEM:     certPEM,
		Certificate: &cert,
		Valid:       m.now().Before(leaf.NotAfter),
		ExpiresAt:   leaf.NotAfter,
		KeyPath:     keyPath,
		CertPath:    certPath,
	}, nil
}

func (m *Manager) snapshot() certMap {
	current := *m.certs.Load()
	next := make(certMap, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	return next
}

func (m *Manager) put(info *CertificateInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.snapshot()
	next[info.Domain] = info
	m.certs.Store(&next)
}

// Remove 移除域名证书
func (m *Manager) Remove(domainName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.snapshot()
	delete(next, strings.ToLower(domainName))
	m.certs.Store(&next)
}

// Lookup 返回当前有效的域名证书
func (m *Manager) Lookup(domainName string) (*CertificateInfo, bool) {
	info, ok := (*m.certs.Load())[strings.ToLower(domainName)]
	if !ok || !m.now().Before(info.ExpiresAt) {
		return nil, false
	}
	return info, true
}

// GetCertificate 用作 tls.Config.GetCertificate 的 SNI 回调
//
// 依次尝试完整主机名和去掉第一段后的父域名（mail.example.com -> example.com），
// 都没有有效证书时返回默认证书，握手不会因缺少域名证书而失败。
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.TrimSuffix(strings.ToLower(hello.ServerName), ".")
	if name != "" {
		if info, ok := m.Lookup(name); ok {
			return info.Certificate, nil
		}
		if _, parent, found := strings.Cut(name, "."); found && strings.Contains(parent, ".") {
			if info, ok := m.Lookup(parent); ok {
				return info.Certificate, nil
			}
		}
	}

	def := m.def.Load()
	if def == nil {
		return nil, domain.ErrCertificateMissing
	}
	return def, nil
}

// TLSConfig 返回使用 SNI 回调的 TLS 配置
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// GenerateSelfSigned 为域名生成自签名证书
//
// 证书写入受限目录，路径写回域名记录，并加载到证书表。
func (m *Manager) GenerateSelfSigned(ctx context.Context, domainName string) (*CertificateInfo, error) {
	domainName = strings.ToLower(domainName)
	keyPEM, certPEM, _, err := selfSigned(domainName, m.now())
	if err != nil {
		return nil, fmt.Errorf("generate certificate for %s: %w", domainName, err)
	}

	dir := filepath.Join(m.opts.Dir, domainName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	if err := writeFileAtomic(keyPath, keyPEM, keyPerm); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(certPath, certPEM, certPerm); err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.UpdateDomainTLS(ctx, domainName, keyPath, certPath); err != nil {
			return nil, fmt.Errorf("persist certificate paths: %w", err)
		}
	}

	info, err := m.parse(domainName, keyPEM, certPEM, keyPath, certPath)
	if err != nil {
		return nil, err
	}
	m.put(info)

	m.logger.Info("Generated self-signed certificate",
		zap.String("domain", domainName),
		zap.Time("expiresAt", info.ExpiresAt))
	return info, nil
}

// CheckExpiring 返回将在 days 天内过期（含已过期）的证书，按过期时间排序
func (m *Manager) CheckExpiring(days int) []ExpiringCertificate {
	now := m.now()
	deadline := now.Add(time.Duration(days) * 24 * time.Hour)

	var out []ExpiringCertificate
	for _, info := range *m.certs.Load() {
		if info.ExpiresAt.Before(deadline) {
			out = append(out, ExpiringCertificate{
				Domain:    info.Domain,
				ExpiresAt: info.ExpiresAt,
				DaysLeft:  int(info.ExpiresAt.Sub(now).Hours() / 24),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Domains 返回已加载证书的域名列表
func (m *Manager) Domains() []string {
	current := *m.certs.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown 清空证书表
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.certs.Store(&certMap{})
	m.mu.Unlock()
}

// selfSigned 生成 ECDSA P-256 自签名证书
func selfSigned(host string, now time.Time) (keyPEM, certPEM []byte, notAfter time.Time, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	notAfter = now.Add(SelfSignedValidity)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host, Organization: []string{"mailforge"}},
		DNSNames:              []string{host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if !strings.HasPrefix(host, "mail.") && host != "localhost" {
		tmpl.DNSNames = append(tmpl.DNSNames, "mail."+host)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return keyPEM, certPEM, notAfter, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr, os.Chmod(name, perm)); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
