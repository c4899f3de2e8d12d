package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/secrets"
)

// Transport 外发投递接口，每次调用只尝试一次，不重试
type Transport interface {
	Deliver(ctx context.Context, from string, recipients []string, data []byte) error
	Name() string
}

// ErrTLSRequired 中继不支持 STARTTLS
var ErrTLSRequired = errors.New("relay does not offer STARTTLS")

// session 单次 SMTP 客户端会话的参数
type session struct {
	helo       string
	serverName string
	requireTLS bool
	tlsConfig  *tls.Config
	auth       func() (sasl.Client, error)
	timeout    time.Duration
}

// dial 建立 TCP 连接并设置整体截止时间
func (s session) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	return conn, nil
}

// connect 返回已完成 EHLO 的客户端
//
// 先用明文连接查看是否支持 STARTTLS；支持时重新连接，升级后再次 EHLO。
// go-smtp 只能在新建客户端时升级 TLS。
func (s session) connect(ctx context.Context, addr string) (*gosmtp.Client, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := gosmtp.NewClient(conn)
	if err := c.Hello(s.helo); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); !ok {
		if s.requireTLS {
			_ = c.Quit()
			return nil, ErrTLSRequired
		}
		return c, nil
	}
	_ = c.Quit()

	cfg := s.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: s.serverName, MinVersion: tls.VersionTLS12}
	}
	conn, err = s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err = gosmtp.NewClientStartTLS(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	// STARTTLS 之后需要重新 EHLO
	if err := c.Hello(s.helo); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	return c, nil
}

// send 完成一次完整的投递事务
func (s session) send(ctx context.Context, addr, from string, recipients []string, data []byte) error {
	c, err := s.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.auth != nil {
		client, err := s.auth()
		if err != nil {
			return err
		}
		if err := c.Auth(client); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(from, recipients, bytes.NewReader(data)); err != nil {
		return err
	}
	return c.Quit()
}

// RelayTransport 通过智能中继投递，支持 STARTTLS 与 AUTH PLAIN
type RelayTransport struct {
	addr     string
	session  session
	username string
	password *secrets.Secret
	logger   *zap.Logger
}

// NewRelayTransport 创建中继投递
func NewRelayTransport(cfg config.OutboundConfig, logger *zap.Logger) *RelayTransport {
	port := cfg.RelayPort
	if port == 0 {
		port = 587
	}
	t := &RelayTransport{
		addr:     net.JoinHostPort(cfg.RelayHost, strconv.Itoa(port)),
		username: cfg.RelayUsername,
		password: secrets.FromString(cfg.RelayPassword),
		logger:   logger.Named("relay"),
		session: session{
			helo:       heloName(cfg.HeloName),
			serverName: cfg.RelayHost,
			requireTLS: cfg.RequireTLS,
			timeout:    cfg.Timeout,
		},
	}
	if cfg.RelayUsername != "" {
		t.session.auth = t.saslClient
	}
	return t
}

// WithTLSConfig 指定 STARTTLS 使用的 TLS 配置
func (t *RelayTransport) WithTLSConfig(cfg *tls.Config) *RelayTransport {
	t.session.tlsConfig = cfg
	return t
}

func (t *RelayTransport) saslClient() (sasl.Client, error) {
	password, err := t.password.Reveal()
	if err != nil {
		return nil, fmt.Errorf("relay password: %w", err)
	}
	return sasl.NewPlainClient("", t.username, password), nil
}

// Name 投递方式名称
func (t *RelayTransport) Name() string { return "relay" }

// Deliver 把邮件交给中继
func (t *RelayTransport) Deliver(ctx context.Context, from string, recipients []string, data []byte) error {
	if err := t.session.send(ctx, t.addr, from, recipients, data); err != nil {
		t.logger.Warn("Relay delivery failed", zap.String("relay", t.addr), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}

// MXResolver 查询收件域名的 MX 记录
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]dnscheck.MX, error)
}

// MXTransport 按 MX 优先级直接投递到收件域名
type MXTransport struct {
	resolver MXResolver
	port     int
	session  session
	logger   *zap.Logger
}

// NewMXTransport 创建直接投递
func NewMXTransport(cfg config.OutboundConfig, resolver MXResolver, logger *zap.Logger) *MXTransport {
	return &MXTransport{
		resolver: resolver,
		port:     25,
		logger:   logger.Named("mx"),
		session: session{
			helo:    heloName(cfg.HeloName),
			timeout: cfg.Timeout,
		},
	}
}

// WithPort 修改目标端口，用于测试
func (t *MXTransport) WithPort(port int) *MXTransport {
	t.port = port
	return t
}

// WithTLSConfig 指定 STARTTLS 使用的 TLS 配置
func (t *MXTransport) WithTLSConfig(cfg *tls.Config) *MXTransport {
	t.session.tlsConfig = cfg
	return t
}

// Name 投递方式名称
func (t *MXTransport) Name() string { return "mx" }

// PartialDeliveryError 部分收件域名投递成功
//
// 邮件已经发给 Delivered 中的收件人，调用方不应整体重发。
type PartialDeliveryError struct {
	Delivered []string
	Failed    map[string]error // 收件人 -> 所在域名的失败原因
}

func (e *PartialDeliveryError) Error() string {
	rcpts := make([]string, 0, len(e.Failed))
	for rcpt := range e.Failed {
		rcpts = append(rcpts, rcpt)
	}
	sort.Strings(rcpts)
	parts := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		parts = append(parts, rcpt+": "+e.Failed[rcpt].Error())
	}
	return fmt.Sprintf("delivered to %d recipient(s), failed for %s", len(e.Delivered), strings.Join(parts, "; "))
}

func (e *PartialDeliveryError) Unwrap() error { return domain.ErrDeliveryFailed }

// Deliver 按收件域名分组，依次尝试各 MX 主机
//
// 全部失败时返回 ErrDeliveryFailed；部分成功时返回 *PartialDeliveryError。
func (t *MXTransport) Deliver(ctx context.Context, from string, recipients []string, data []byte) error {
	groups := make(map[string][]string)
	for _, rcpt := range recipients {
		d := domain.DomainOf(rcpt)
		groups[d] = append(groups[d], rcpt)
	}
	domains := make([]string, 0, len(groups))
	for d := range groups {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	var (
		delivered []string
		failed    = make(map[string]error)
		errs      []error
	)
	for _, d := range domains {
		if err := t.deliverDomain(ctx, d, from, groups[d], data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			for _, rcpt := range groups[d] {
				failed[rcpt] = err
			}
			continue
		}
		delivered = append(delivered, groups[d]...)
	}

	switch {
	case len(errs) == 0:
		return nil
	case len(delivered) == 0:
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, errors.Join(errs...))
	default:
		return &PartialDeliveryError{Delivered: delivered, Failed: failed}
	}
}

func (t *MXTransport) deliverDomain(ctx context.Context, rcptDomain, from string, rcpts []string, data []byte) error {
	hosts, err := t.resolver.LookupMX(ctx, rcptDomain)
	if errors.Is(err, dnscheck.ErrNoAnswer) {
		// RFC 5321 §5.1: 没有 MX 时以域名本身作为隐式 MX
		hosts, err = []dnscheck.MX{{Host: rcptDomain}}, nil
	}
	if err != nil {
		return err
	}

	var lastErr error
	for _, mx := range hosts {
		s := t.session
		s.serverName = mx.Host
		addr := net.JoinHostPort(mx.Host, strconv.Itoa(t.port))

		lastErr = s.send(ctx, addr, from, rcpts, data)
		if lastErr == nil {
			return nil
		}
		t.logger.Warn("MX delivery attempt failed",
			zap.String("domain", rcptDomain),
			zap.String("host", mx.Host),
			zap.Error(lastErr),
		)

		// 5xx 是永久性拒绝，换主机也不会成功
		var smtpErr *gosmtp.SMTPError
		if errors.As(lastErr, &smtpErr) && smtpErr.Code >= 500 {
			return lastErr
		}
	}
	return lastErr
}

func heloName(name string) string {
	if name != "" {
		return name
	}
	return "localhost"
}
