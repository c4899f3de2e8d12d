package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/security"
	"mailforge/backend/internal/service"
)

var (
	errSMTPAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errSMTPFromAddr = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
		Message:      "Invalid sender address",
	}
	errSMTPSenderNotOwned = &gosmtp.SMTPError{
		Code:         553,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Sender address not owned by authenticated user",
	}
	errSMTPRcptAddr = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "Invalid recipient address",
	}
	errSMTPRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}
	errSMTPTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary local error, try again later",
	}
	errSMTPParse = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	errSMTPLineTooLong = &gosmtp.SMTPError{
		Code:         500,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 2},
		Message:      "Line too long",
	}
	errSMTPSpam = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Message rejected as spam",
	}
)

// Authenticator SMTP AUTH 凭据校验
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}

// Directory 地址与托管域名查询
type Directory interface {
	IsManagedDomain(ctx context.Context, name string) (bool, error)
	ResolveRecipient(ctx context.Context, address string) (*domain.MailAddress, error)
	CheckSender(ctx context.Context, userID, from string) error
}

// BackendDeps 收信后端依赖，Verifier/SPFResolver/Metrics 可为 nil
type BackendDeps struct {
	Auth        Authenticator
	Directory   Directory
	Filter      *security.ContentFilter
	Verifier    *dkim.Verifier
	SPFResolver spf.DNSResolver
	Recorder    *service.Recorder
	Metrics     *monitoring.Metrics
	Hostname    string
	Logger      *zap.Logger
}

// Backend 实现 go-smtp 的 Backend 接口
//
// 同一个状态机服务两个监听端口，差别只在 AuthPolicy：
// required 要求先认证才能 MAIL FROM；permissive 允许匿名投递，但收件人必须属于托管的激活域名。
type Backend struct {
	name     string
	policy   string
	maxBytes int64
	deps     BackendDeps
	logger   *zap.Logger
	now      func() time.Time
}

// NewBackend 创建监听端口对应的后端
func NewBackend(name string, listener config.ListenerConfig, deps BackendDeps) *Backend {
	if deps.Filter == nil {
		deps.Filter = security.NewContentFilter(security.FilterConfig{})
	}
	policy := listener.AuthPolicy
	if policy != config.AuthPolicyPermissive {
		policy = config.AuthPolicyRequired
	}
	return &Backend{
		name:     name,
		policy:   policy,
		maxBytes: listener.MaxMessageBytes,
		deps:     deps,
		logger:   deps.Logger.Named("smtp").With(zap.String("listener", name)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewSession 在 HELO/EHLO 之后创建会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	b.deps.Metrics.SessionOpened()

	s := &session{
		backend: b,
		helo:    c.Hostname(),
	}
	if nc := c.Conn(); nc != nil {
		s.remoteIP = remoteIP(nc.RemoteAddr())
	}
	return s, nil
}

type session struct {
	backend  *Backend
	remoteIP string
	helo     string

	userID   string
	username string

	from       string
	recipients []string
	receiver   string
}

// AuthMechanisms 只提供 PLAIN
func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth 处理 AUTH 命令
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errSMTPAuthFailed
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := s.backend.deps.Auth.Authenticate(ctx, username, password)
		s.backend.deps.Metrics.RecordAuth(err == nil)
		if err != nil {
			s.backend.logger.Info("SMTP authentication failed",
				zap.String("ip", s.remoteIP),
				zap.String("username", username),
			)
			s.backend.deps.Recorder.Failure(ctx, domain.LogTypeError, domain.LogStatusFailed, username, "", "", err, s.metadata(map[string]string{
				"stage": "auth",
			}))
			return errSMTPAuthFailed
		}

		s.userID = user.ID
		s.username = strings.ToLower(username)
		return nil
	}), nil
}

// Mail 处理 MAIL FROM
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.policy == config.AuthPolicyRequired && s.userID == "" {
		return gosmtp.ErrAuthRequired
	}

	// 空的反向路径用于退信
	if from == "" {
		s.from = ""
		return nil
	}
	addr, err := domain.NormalizeAddress(from)
	if err != nil {
		return errSMTPFromAddr
	}

	if s.userID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.backend.deps.Directory.CheckSender(ctx, s.userID, addr); err != nil {
			if errors.Is(err, domain.ErrSenderNotOwned) || errors.Is(err, domain.ErrAddressInactive) {
				return errSMTPSenderNotOwned
			}
			s.backend.logger.Error("Sender lookup failed", zap.Error(err))
			return errSMTPTemporary
		}
	}

	s.from = addr
	return nil
}

// Rcpt 处理 RCPT TO
//
// 匿名会话只能投递到托管的激活域名，防止成为开放中继。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr, err := domain.NormalizeAddress(to)
	if err != nil {
		return errSMTPRcptAddr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.userID == "" {
		managed, err := s.backend.deps.Directory.IsManagedDomain(ctx, domain.DomainOf(addr))
		if err != nil {
			s.backend.logger.Error("Domain lookup failed", zap.Error(err))
			return errSMTPTemporary
		}
		if !managed {
			s.backend.logger.Info("Relay attempt rejected",
				zap.String("ip", s.remoteIP),
				zap.String("recipient", addr),
			)
			return errSMTPRelayDenied
		}
	}

	for _, r := range s.recipients {
		if r == addr {
			return nil
		}
	}
	s.recipients = append(s.recipients, addr)

	if s.receiver == "" {
		if a, err := s.backend.deps.Directory.ResolveRecipient(ctx, addr); err == nil {
			s.receiver = a.UserID
		}
	}
	return nil
}

// Data 处理邮件内容
//
// 垃圾邮件在持久化之前拒绝；任何处理错误都写一条 failed 日志并返回否定应答。
func (s *session) Data(r io.Reader) error {
	start := time.Now()
	b := s.backend
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rcpts := strings.Join(s.recipients, ", ")

	raw, err := s.read(r)
	if err != nil {
		b.deps.Recorder.Failure(ctx, domain.LogTypeIncoming, domain.LogStatusFailed, s.from, rcpts, "", err, s.metadata(nil))
		b.deps.Metrics.RecordInbound(b.name, "failed", time.Since(start))
		var smtpErr *gosmtp.SMTPError
		switch {
		case errors.As(err, &smtpErr):
			return smtpErr
		case errors.Is(err, gosmtp.ErrTooLongLine):
			return errSMTPLineTooLong
		}
		return errSMTPTemporary
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		b.logger.Info("Failed to parse inbound message", zap.String("ip", s.remoteIP), zap.Error(err))
		b.deps.Recorder.Failure(ctx, domain.LogTypeIncoming, domain.LogStatusFailed, s.from, rcpts, "", err, s.metadata(nil))
		b.deps.Metrics.RecordInbound(b.name, "failed", time.Since(start))
		return errSMTPParse
	}

	messageID := parsed.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), b.deps.Hostname)
	}

	body := strings.TrimSpace(parsed.Text + "\n" + parsed.HTML)
	if verdict := b.deps.Filter.Check(parsed.Subject, body); verdict.Spam {
		b.logger.Info("Inbound message rejected as spam",
			zap.String("ip", s.remoteIP),
			zap.String("message_id", messageID),
			zap.String("rule", verdict.Rule),
		)
		b.deps.Recorder.Failure(ctx, domain.LogTypeIncoming, domain.LogStatusBounced, s.from, rcpts, parsed.Subject,
			fmt.Errorf("%w: %s", domain.ErrSpamRejected, verdict.Reason),
			s.metadata(map[string]string{"messageId": messageID, "rule": verdict.Rule}),
		)
		b.deps.Metrics.RecordSpam(verdict.Rule)
		b.deps.Metrics.RecordInbound(b.name, "bounced", time.Since(start))
		return errSMTPSpam
	}

	meta := s.metadata(map[string]string{
		"messageId": messageID,
		"spf":       s.checkSPF(ctx),
		"dkim":      s.verifyDKIM(raw),
	})

	receivedAt := b.now()
	msg := &domain.MailMessage{
		MessageID:      messageID,
		Direction:      domain.DirectionIncoming,
		From:           s.from,
		To:             append([]string{}, s.recipients...),
		Cc:             parsed.Cc,
		Bcc:            []string{},
		Subject:        parsed.Subject,
		TextBody:       parsed.Text,
		HTMLBody:       parsed.HTML,
		Headers:        parsed.Headers,
		Size:           domain.BodySize(parsed.Text, parsed.HTML),
		ReceivedAt:     &receivedAt,
		ReceiverUserID: s.receiver,
	}
	if err := b.deps.Recorder.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrMessageExists) {
			// 重传的同一封邮件只记录不重复保存
			meta["duplicate"] = "true"
			b.deps.Recorder.Success(ctx, domain.LogTypeIncoming, s.from, rcpts, parsed.Subject, meta)
			b.deps.Metrics.RecordInbound(b.name, "duplicate", time.Since(start))
			return nil
		}
		b.logger.Error("Failed to persist inbound message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		b.deps.Recorder.Failure(ctx, domain.LogTypeIncoming, domain.LogStatusFailed, s.from, rcpts, parsed.Subject, err, meta)
		b.deps.Metrics.RecordInbound(b.name, "failed", time.Since(start))
		return errSMTPTemporary
	}

	b.deps.Recorder.Success(ctx, domain.LogTypeIncoming, s.from, rcpts, parsed.Subject, meta)
	b.deps.Metrics.RecordInbound(b.name, "success", time.Since(start))
	b.logger.Debug("Inbound message accepted",
		zap.String("message_id", messageID),
		zap.Int("recipients", len(s.recipients)),
	)
	return nil
}

func (s *session) read(r io.Reader) ([]byte, error) {
	limit := s.backend.maxBytes
	if limit <= 0 {
		return io.ReadAll(r)
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, gosmtp.ErrDataTooLarge
	}
	return raw, nil
}

// checkSPF 只记录结果，不作为拒信依据
func (s *session) checkSPF(ctx context.Context) string {
	if s.backend.deps.SPFResolver == nil || s.from == "" {
		return "skipped"
	}
	ip := net.ParseIP(s.remoteIP)
	if ip == nil {
		return "skipped"
	}
	result, _ := spf.CheckHostWithSender(ip, s.helo, s.from,
		spf.WithContext(ctx),
		spf.WithResolver(s.backend.deps.SPFResolver),
	)
	return strings.ToLower(string(result))
}

func (s *session) verifyDKIM(raw []byte) string {
	if s.backend.deps.Verifier == nil {
		return "skipped"
	}
	results, err := s.backend.deps.Verifier.Verify(raw)
	if err != nil {
		return "error"
	}
	return dkim.Summary(results)
}

func (s *session) metadata(extra map[string]string) map[string]string {
	meta := map[string]string{
		"listener": s.backend.name,
		"remoteIp": s.remoteIP,
	}
	if s.helo != "" {
		meta["helo"] = s.helo
	}
	if s.username != "" {
		meta["authUser"] = s.username
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

// Reset 清理事务状态，认证状态保留
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
	s.receiver = ""
}

// Logout 会话结束
func (s *session) Logout() error {
	s.backend.deps.Metrics.SessionClosed()
	return nil
}
